package server

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when the user is unknown, so a probe
// cannot distinguish missing users from wrong passwords by timing.
var dummyHash = []byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B0xB9uWZXhDe9/1Qe3cT0cSdSS1m")

// htpasswdFile holds user -> bcrypt hash entries loaded from an
// Apache htpasswd file. Only bcrypt entries are accepted; the weaker
// htpasswd schemes (crypt, MD5, SHA1) are rejected at load time.
type htpasswdFile struct {
	users map[string]string
}

func loadHtpasswd(path string) (*htpasswdFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	users := make(map[string]string)
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		user, hash, ok := strings.Cut(text, ":")
		if !ok || user == "" || hash == "" {
			return nil, fmt.Errorf("malformed htpasswd entry on line %d", line)
		}
		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("unsupported hash for user %q: only bcrypt entries are accepted", user)
		}
		users[user] = hash
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &htpasswdFile{users: users}, nil
}

func (f *htpasswdFile) authenticate(user, password string) bool {
	hash, ok := f.users[user]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (s *Server) requireBasicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok || !s.creds.authenticate(user, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="resticserver"`)
			s.writeError(w, http.StatusUnauthorized, "missing or invalid credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}
