package assignment

import "time"

// MaxSlateSize is the number of ranked preferences a user may hold at once.
const MaxSlateSize = 7

// AdvertisementStatus tracks where a billet is in the advertising cycle.
type AdvertisementStatus string

const (
	AdvertisementProjected AdvertisementStatus = "projected"
	AdvertisementOpen      AdvertisementStatus = "confirmed_open"
	AdvertisementClosed    AdvertisementStatus = "closed"
)

// Billet is an opportunity record. Immutable once fetched.
type Billet struct {
	ID                  string              `json:"id" yaml:"id"`
	Title               string              `json:"title" yaml:"title"`
	UIC                 string              `json:"uic" yaml:"uic"`
	Location            string              `json:"location" yaml:"location"`
	PayGrade            string              `json:"pay_grade" yaml:"pay_grade"`
	Designator          string              `json:"designator,omitempty" yaml:"designator"`
	DutyType            string              `json:"duty_type,omitempty" yaml:"duty_type"`
	ReportNotLaterThan  *time.Time          `json:"report_not_later_than,omitempty" yaml:"report_not_later_than"`
	Description         string              `json:"description,omitempty" yaml:"description"`
	Compass             CompassMetadata     `json:"compass" yaml:"compass"`
	AdvertisementStatus AdvertisementStatus `json:"advertisement_status,omitempty" yaml:"advertisement_status"`
	LastSyncAt          time.Time           `json:"last_sync_at" yaml:"-"`
}

// CompassMetadata is the computed match payload shown on the billet card.
type CompassMetadata struct {
	MatchScore          float64 `json:"match_score" yaml:"match_score"`
	ContextualNarrative string  `json:"contextual_narrative" yaml:"contextual_narrative"`
}

// Acquirable reports whether a user may try to hold the billet. Projected and
// closed billets can be browsed but never held.
func (b Billet) Acquirable() bool {
	switch b.AdvertisementStatus {
	case AdvertisementProjected, AdvertisementClosed:
		return false
	default:
		return true
	}
}

// Verb is the action a user took on a billet.
type Verb string

const (
	VerbSave   Verb = "save"
	VerbSlate  Verb = "slate"
	VerbReject Verb = "reject"
	VerbDefer  Verb = "defer"
)

// ParseVerb validates a verb string.
func ParseVerb(s string) (Verb, error) {
	switch v := Verb(s); v {
	case VerbSave, VerbSlate, VerbReject, VerbDefer:
		return v, nil
	}
	return "", ErrUnknownVerb
}

// Decision is a per-(user, billet) verb. A later decision on the same billet
// overwrites the earlier one.
type Decision struct {
	UserID    string    `json:"user_id"`
	BilletID  string    `json:"billet_id"`
	Verb      Verb      `json:"verb"`
	DecidedAt time.Time `json:"decided_at"`
}

// SyncStatus tracks whether the local record agrees with the remote system.
type SyncStatus string

const (
	SyncSynced        SyncStatus = "synced"
	SyncPendingUpload SyncStatus = "pending_upload"
	SyncError         SyncStatus = "error"
)

// HistoryEntry records one applied status transition.
type HistoryEntry struct {
	Status Status    `json:"status" cbor:"1,keyasint"`
	At     time.Time `json:"at" cbor:"2,keyasint"`
	Reason string    `json:"reason,omitempty" cbor:"3,keyasint,omitempty"`
}

// Application is the durable record of an attempt to hold a billet.
type Application struct {
	ID              string         `json:"id"`
	BilletID        string         `json:"billet_id"`
	UserID          string         `json:"user_id"`
	Status          Status         `json:"status"`
	PreferenceRank  *int           `json:"preference_rank,omitempty"`
	StatusHistory   []HistoryEntry `json:"status_history"`
	LockToken       string         `json:"-"`
	LockExpiresAt   *time.Time     `json:"lock_expires_at,omitempty"`
	ConfirmedAt     *time.Time     `json:"server_confirmed_at,omitempty"`
	RejectionReason string         `json:"server_rejection_reason,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	SyncStatus      SyncStatus     `json:"sync_status"`
	RetryCount      int            `json:"retry_count"`
}

// Ranked reports whether the application occupies a slate position.
func (a *Application) Ranked() bool {
	return a.PreferenceRank != nil
}

// Rank returns the preference rank or 0 when unranked.
func (a *Application) Rank() int {
	if a.PreferenceRank == nil {
		return 0
	}
	return *a.PreferenceRank
}

// SetRank assigns a slate position. A rank <= 0 clears it.
func (a *Application) SetRank(rank int) {
	if rank <= 0 {
		a.PreferenceRank = nil
		return
	}
	r := rank
	a.PreferenceRank = &r
}

// Clone returns a deep copy safe to hand outside the engine.
func (a *Application) Clone() *Application {
	if a == nil {
		return nil
	}
	cp := *a
	if a.PreferenceRank != nil {
		r := *a.PreferenceRank
		cp.PreferenceRank = &r
	}
	if a.LockExpiresAt != nil {
		t := *a.LockExpiresAt
		cp.LockExpiresAt = &t
	}
	if a.ConfirmedAt != nil {
		t := *a.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	if a.StatusHistory != nil {
		cp.StatusHistory = make([]HistoryEntry, len(a.StatusHistory))
		copy(cp.StatusHistory, a.StatusHistory)
	}
	return &cp
}

// LockState is the user-relative view of a billet's hold status.
type LockState string

const (
	LockOpen      LockState = "open"
	LockedByUser  LockState = "locked_by_user"
	LockedByOther LockState = "locked_by_other"
)
