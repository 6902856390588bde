package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/compass/internal/assignment"
)

// seedFile is the YAML layout of a billet catalog file.
type seedFile struct {
	Billets []assignment.Billet `yaml:"billets"`
}

// FileSource serves billets from a YAML file. The file is read on first use.
type FileSource struct {
	path string

	once    sync.Once
	billets []assignment.Billet
	err     error
}

// NewFileSource creates a FileSource for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// ParseBillets decodes a YAML catalog.
func ParseBillets(data []byte) ([]assignment.Billet, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing billet catalog: %w", err)
	}
	for i, b := range f.Billets {
		if b.ID == "" {
			return nil, fmt.Errorf("billet %d has no id", i)
		}
		if b.Compass.MatchScore < 0 || b.Compass.MatchScore > 100 {
			return nil, fmt.Errorf("billet %s: match_score %v out of range 0..100", b.ID, b.Compass.MatchScore)
		}
	}
	return f.Billets, nil
}

func (s *FileSource) load() ([]assignment.Billet, error) {
	s.once.Do(func() {
		data, err := os.ReadFile(s.path)
		if err != nil {
			s.err = fmt.Errorf("reading billet catalog: %w", err)
			return
		}
		s.billets, s.err = ParseBillets(data)
	})
	return s.billets, s.err
}

// FetchBillets returns one page of the file.
func (s *FileSource) FetchBillets(ctx context.Context, limit, offset int) ([]assignment.Billet, error) {
	all, err := s.load()
	if err != nil {
		return nil, err
	}
	return pageOf(all, limit, offset), nil
}

// CountBillets returns the number of billets in the file.
func (s *FileSource) CountBillets(ctx context.Context) (int, error) {
	all, err := s.load()
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

func pageOf(all []assignment.Billet, limit, offset int) []assignment.Billet {
	if offset >= len(all) || limit <= 0 {
		return []assignment.Billet{}
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	out := make([]assignment.Billet, end-offset)
	copy(out, all[offset:end])
	return out
}

// billetPage is the JSON envelope of GET /billets.
type billetPage struct {
	Success bool                `json:"success"`
	Data    []assignment.Billet `json:"data"`
}

// HTTPSource fetches billets from a remote catalog endpoint.
type HTTPSource struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPSource creates a source reading {baseURL}/billets.
func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchBillets requests one page.
func (s *HTTPSource) FetchBillets(ctx context.Context, limit, offset int) ([]assignment.Billet, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/billets?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting billets: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var p billetPage
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding billets: %w", err)
	}
	if p.Data == nil {
		return []assignment.Billet{}, nil
	}
	return p.Data, nil
}

// ServeBillets exposes src as GET /billets?limit=&offset= in the format
// HTTPSource reads.
func ServeBillets(src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", defaultPageSize, 500)
		offset := queryInt(r, "offset", 0, 0)

		billets, err := src.FetchBillets(r.Context(), limit, offset)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]any{
				"success": false,
				"error":   map[string]any{"code": "INTERNAL_ERROR", "message": err.Error(), "retryable": true},
			})
			return
		}
		if billets == nil {
			billets = []assignment.Billet{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(billetPage{Success: true, Data: billets})
	}
}

func queryInt(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
