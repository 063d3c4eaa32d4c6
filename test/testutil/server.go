package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/TheMichaelB/e2ekeys/internal/models"
	"github.com/TheMichaelB/e2ekeys/internal/transport"
)

// Server is an in-memory fake of the end_to_end_encryption OCS API.
type Server struct {
	*httptest.Server
	CA *CA

	mu          sync.Mutex
	user        string
	password    string
	publicKeys  map[string]string
	privateKeys map[string]string
	locks       map[string]string
	encrypted   map[string]bool
	metadata    map[string]string
	failures    map[string]int
	calls       []string
	tokens      int
}

// NewServer starts a fake server accepting user/password via basic auth.
func NewServer(t testing.TB, user, password string) *Server {
	t.Helper()

	s := &Server{
		CA:          NewCA(t),
		user:        user,
		password:    password,
		publicKeys:  make(map[string]string),
		privateKeys: make(map[string]string),
		locks:       make(map[string]string),
		encrypted:   make(map[string]bool),
		metadata:    make(map[string]string),
		failures:    make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(transport.APIPath+"/", s.handle)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Account returns an account for the server's user.
func (s *Server) Account(t testing.TB) models.Account {
	t.Helper()
	return models.NewAccount(s.URL, s.user, s.user, s.password, t.TempDir())
}

// Fail makes "METHOD /route" answer status, e.g. Fail("PUT", "/encrypted/7", 500).
// Status 0 removes the failure.
func (s *Server) Fail(method, route string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := method + " " + route
	if status == 0 {
		delete(s.failures, key)
		return
	}
	s.failures[key] = status
}

// Calls returns the "METHOD /route" of every request received.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// SetPublicKey stores a user certificate.
func (s *Server) SetPublicKey(userID, cert string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publicKeys[userID] = cert
}

// PublicKey returns the stored user certificate.
func (s *Server) PublicKey(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publicKeys[userID]
}

// SetPrivateKey stores an encrypted private key blob.
func (s *Server) SetPrivateKey(userID, blob string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.privateKeys[userID] = blob
}

// PrivateKey returns the stored private key blob.
func (s *Server) PrivateKey(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.privateKeys[userID]
}

// SetMetadata stores the metadata document of a folder.
func (s *Server) SetMetadata(fileID, document string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[fileID] = document
}

// IsEncrypted reports whether a folder carries the encrypted mark.
func (s *Server) IsEncrypted(fileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encrypted[fileID]
}

// IsLocked reports whether a folder is locked.
func (s *Server) IsLocked(fileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.locks[fileID]
	return ok
}

// Lock locks a folder as another client would.
func (s *Server) Lock(fileID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock(fileID)
}

func (s *Server) lock(fileID string) string {
	s.tokens++
	token := fmt.Sprintf("token-%d", s.tokens)
	s.locks[fileID] = token
	return token
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	route := strings.TrimPrefix(r.URL.Path, transport.APIPath)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, r.Method+" "+route)

	user, pass, ok := r.BasicAuth()
	if !ok || user != s.user || pass != s.password {
		writeOCS(w, http.StatusUnauthorized, "Current user is not logged in", nil)
		return
	}
	if r.Header.Get("OCS-APIRequest") != "true" {
		writeOCS(w, http.StatusBadRequest, "missing OCS-APIRequest header", nil)
		return
	}
	if status, ok := s.failures[r.Method+" "+route]; ok {
		writeOCS(w, status, fmt.Sprintf("injected failure %d", status), nil)
		return
	}

	resource, id, _ := strings.Cut(strings.TrimPrefix(route, "/"), "/")
	switch {
	case resource == "public-key" && id == "":
		s.handlePublicKey(w, r)
	case resource == "private-key" && id == "":
		s.handlePrivateKey(w, r)
	case resource == "server-key" && r.Method == http.MethodGet:
		writeOCS(w, http.StatusOK, "OK", map[string]interface{}{"public-key": s.CA.PublicKeyPEM()})
	case resource == "lock" && id != "":
		s.handleLock(w, r, id)
	case resource == "encrypted" && id != "":
		s.handleEncrypted(w, r, id)
	case resource == "meta-data" && id != "" && r.Method == http.MethodGet:
		doc, ok := s.metadata[id]
		if !ok {
			writeOCS(w, http.StatusNotFound, "Could not find metadata for "+id, nil)
			return
		}
		writeOCS(w, http.StatusOK, "OK", map[string]interface{}{"meta-data": doc})
	default:
		writeOCS(w, http.StatusNotFound, "unknown route "+route, nil)
	}
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cert, ok := s.publicKeys[s.user]
		if !ok {
			writeOCS(w, http.StatusNotFound, "Could not find the public key belonging to "+s.user, nil)
			return
		}
		writeOCS(w, http.StatusOK, "OK", map[string]interface{}{
			"public-keys": map[string]string{s.user: cert},
		})

	case http.MethodPost:
		if _, exists := s.publicKeys[s.user]; exists {
			writeOCS(w, http.StatusConflict, "A public key already exists", nil)
			return
		}
		csr := r.FormValue("csr")
		if CommonName(csr) != s.user {
			writeOCS(w, http.StatusBadRequest, "Common name (CN) does not match the current user", nil)
			return
		}
		cert, err := s.CA.SignCSR(csr)
		if err != nil {
			writeOCS(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		s.publicKeys[s.user] = cert
		writeOCS(w, http.StatusOK, "OK", map[string]interface{}{"public-key": cert})

	case http.MethodDelete:
		if _, exists := s.publicKeys[s.user]; !exists {
			writeOCS(w, http.StatusNotFound, "Could not find the public key", nil)
			return
		}
		delete(s.publicKeys, s.user)
		writeOCS(w, http.StatusOK, "OK", nil)

	default:
		writeOCS(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	}
}

func (s *Server) handlePrivateKey(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		blob, ok := s.privateKeys[s.user]
		if !ok {
			writeOCS(w, http.StatusNotFound, "Could not find the private key of "+s.user, nil)
			return
		}
		writeOCS(w, http.StatusOK, "OK", map[string]interface{}{"private-key": blob})

	case http.MethodPost:
		if _, exists := s.privateKeys[s.user]; exists {
			writeOCS(w, http.StatusConflict, "A private key already exists", nil)
			return
		}
		blob := r.FormValue("privateKey")
		if blob == "" {
			writeOCS(w, http.StatusBadRequest, "missing private key", nil)
			return
		}
		s.privateKeys[s.user] = blob
		writeOCS(w, http.StatusOK, "OK", map[string]interface{}{"private-key": blob})

	case http.MethodDelete:
		if _, exists := s.privateKeys[s.user]; !exists {
			writeOCS(w, http.StatusNotFound, "Could not find the private key", nil)
			return
		}
		delete(s.privateKeys, s.user)
		writeOCS(w, http.StatusOK, "OK", nil)

	default:
		writeOCS(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	}
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodPost:
		if _, locked := s.locks[id]; locked {
			writeOCS(w, http.StatusForbidden, "file already locked", nil)
			return
		}
		writeOCS(w, http.StatusOK, "OK", map[string]interface{}{"e2e-token": s.lock(id)})

	case http.MethodDelete:
		token, locked := s.locks[id]
		if !locked {
			writeOCS(w, http.StatusNotFound, "file not locked", nil)
			return
		}
		if r.Header.Get(transport.TokenHeader) != token {
			writeOCS(w, http.StatusForbidden, "you are not allowed to remove the lock", nil)
			return
		}
		delete(s.locks, id)
		writeOCS(w, http.StatusOK, "OK", nil)

	default:
		writeOCS(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	}
}

func (s *Server) handleEncrypted(w http.ResponseWriter, r *http.Request, id string) {
	if token, locked := s.locks[id]; !locked || r.Header.Get(transport.TokenHeader) != token {
		writeOCS(w, http.StatusForbidden, "folder is not locked by you", nil)
		return
	}

	switch r.Method {
	case http.MethodPut:
		s.encrypted[id] = true
		writeOCS(w, http.StatusOK, "OK", nil)
	case http.MethodDelete:
		delete(s.encrypted, id)
		writeOCS(w, http.StatusOK, "OK", nil)
	default:
		writeOCS(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	}
}

func writeOCS(w http.ResponseWriter, status int, message string, data interface{}) {
	if data == nil {
		data = []interface{}{}
	}
	state := "ok"
	if status >= 300 {
		state = "failure"
	}

	body := map[string]interface{}{
		"ocs": map[string]interface{}{
			"meta": map[string]interface{}{
				"status":     state,
				"statuscode": status,
				"message":    message,
			},
			"data": data,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
