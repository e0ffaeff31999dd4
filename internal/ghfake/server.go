// Package ghfake serves an in-memory stand-in for the GitHub Packages
// management API over httptest.
package ghfake

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/nextstrain/ghcr-prune/pkg/packages"
)

// DeleteCall records one version delete request.
type DeleteCall struct {
	Package   string
	VersionID int64
}

// Server is a fake management API for a single organization.
type Server struct {
	*httptest.Server

	Organization string

	// EnforceLastTagged makes the fake refuse to delete the only tagged
	// version of a package, the way the real API does.
	EnforceLastTagged bool

	mu                 sync.Mutex
	versions           map[string][]packages.Version
	listCalls          map[string]int
	deleteCalls        []DeleteCall
	packageDeleteCalls []string
	listFailures       map[string]int
	deleteFailures     map[int64]failure
	packageFailures    map[string]int
}

type failure struct {
	status  int
	message string
}

// New starts a fake serving organization.
func New(organization string) *Server {
	s := &Server{
		Organization:    organization,
		versions:        make(map[string][]packages.Version),
		listCalls:       make(map[string]int),
		listFailures:    make(map[string]int),
		deleteFailures:  make(map[int64]failure),
		packageFailures: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /orgs/{org}/packages/{type}/{name}/versions", s.handleList)
	mux.HandleFunc("DELETE /orgs/{org}/packages/{type}/{name}/versions/{id}", s.handleDeleteVersion)
	mux.HandleFunc("DELETE /orgs/{org}/packages/{type}/{name}", s.handleDeletePackage)
	s.Server = httptest.NewServer(mux)

	return s
}

// AddVersions stores versions under packageName.
func (s *Server) AddVersions(packageName string, versions ...packages.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[packageName] = append(s.versions[packageName], versions...)
}

// Versions returns the versions currently stored for packageName.
func (s *Server) Versions(packageName string) []packages.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]packages.Version(nil), s.versions[packageName]...)
}

// FailList makes listing packageName answer with status.
func (s *Server) FailList(packageName string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listFailures[packageName] = status
}

// FailDelete makes deleting versionID answer with status and message.
func (s *Server) FailDelete(versionID int64, status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteFailures[versionID] = failure{status: status, message: message}
}

// FailPackageDelete makes deleting packageName answer with status.
func (s *Server) FailPackageDelete(packageName string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packageFailures[packageName] = status
}

// ListCalls returns how many list requests packageName received, one per page.
func (s *Server) ListCalls(packageName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls[packageName]
}

// DeleteCalls returns every version delete request in arrival order.
func (s *Server) DeleteCalls() []DeleteCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeleteCall(nil), s.deleteCalls...)
}

// PackageDeleteCalls returns every package delete request in arrival order.
func (s *Server) PackageDeleteCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.packageDeleteCalls...)
}

type versionJSON struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Metadata struct {
		PackageType string `json:"package_type"`
		Container   struct {
			Tags []string `json:"tags"`
		} `json:"container"`
	} `json:"metadata"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if !s.ownsRequest(w, r) {
		return
	}
	name := r.PathValue("name")

	s.mu.Lock()
	s.listCalls[name]++
	status, failing := s.listFailures[name]
	versions, exists := s.versions[name]
	versions = append([]packages.Version(nil), versions...)
	s.mu.Unlock()

	if failing {
		writeError(w, status, http.StatusText(status))
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "Package not found.")
		return
	}

	perPage := queryInt(r, "per_page", 30)
	page := queryInt(r, "page", 1)
	start := (page - 1) * perPage
	if start > len(versions) {
		start = len(versions)
	}
	end := start + perPage
	if end > len(versions) {
		end = len(versions)
	}

	if end < len(versions) {
		next := *r.URL
		q := next.Query()
		q.Set("page", strconv.Itoa(page+1))
		q.Set("per_page", strconv.Itoa(perPage))
		next.RawQuery = q.Encode()
		w.Header().Set("Link", fmt.Sprintf(`<%s%s>; rel="next"`, s.URL, next.RequestURI()))
	}

	body := make([]versionJSON, 0, end-start)
	for _, v := range versions[start:end] {
		var vj versionJSON
		vj.ID = v.ID
		vj.Name = v.Name
		vj.Metadata.PackageType = packages.PackageType
		vj.Metadata.Container.Tags = v.Tags
		if vj.Metadata.Container.Tags == nil {
			vj.Metadata.Container.Tags = []string{}
		}
		body = append(body, vj)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleDeleteVersion(w http.ResponseWriter, r *http.Request) {
	if !s.ownsRequest(w, r) {
		return
	}
	name := r.PathValue("name")
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid version id.")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls = append(s.deleteCalls, DeleteCall{Package: name, VersionID: id})

	if f, failing := s.deleteFailures[id]; failing {
		writeError(w, f.status, f.message)
		return
	}

	versions := s.versions[name]
	idx := -1
	tagged := 0
	for i, v := range versions {
		if v.ID == id {
			idx = i
		}
		if len(v.Tags) > 0 {
			tagged++
		}
	}
	if idx < 0 {
		writeError(w, http.StatusNotFound, "Package version not found.")
		return
	}
	if s.EnforceLastTagged && len(versions[idx].Tags) > 0 && tagged == 1 {
		writeError(w, http.StatusBadRequest, packages.LastTaggedVersionMessage)
		return
	}

	s.versions[name] = append(versions[:idx:idx], versions[idx+1:]...)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeletePackage(w http.ResponseWriter, r *http.Request) {
	if !s.ownsRequest(w, r) {
		return
	}
	name := r.PathValue("name")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.packageDeleteCalls = append(s.packageDeleteCalls, name)

	if status, failing := s.packageFailures[name]; failing {
		writeError(w, status, http.StatusText(status))
		return
	}
	if _, exists := s.versions[name]; !exists {
		writeError(w, http.StatusNotFound, "Package not found.")
		return
	}
	delete(s.versions, name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ownsRequest(w http.ResponseWriter, r *http.Request) bool {
	if r.PathValue("org") != s.Organization || r.PathValue("type") != packages.PackageType {
		writeError(w, http.StatusNotFound, "Not Found")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, fallback int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"message":           message,
		"documentation_url": "https://docs.github.com/rest/packages/packages",
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
