// Package auth is the annotator credential gate: it maps an annotator name
// to a bcrypt-hashed PIN and throttles repeated attempts per name.
package auth

import (
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidCredentials covers both unknown names and wrong PINs.
	ErrInvalidCredentials = eris.New("auth: invalid name or PIN")
	// ErrThrottled is returned when a name has exhausted its attempts.
	ErrThrottled = eris.New("auth: too many attempts, try again later")
)

// Credentials maps annotator names to bcrypt PIN hashes.
type Credentials map[string]string

type credentialsFile struct {
	Annotators []struct {
		Name    string `yaml:"name"`
		PINHash string `yaml:"pin_hash"`
	} `yaml:"annotators"`
}

// LoadCredentials reads a YAML credentials file:
//
//	annotators:
//	  - name: Ana
//	    pin_hash: $2a$10$...
func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "auth: read credentials %s", path)
	}
	var f credentialsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "auth: parse credentials %s", path)
	}

	creds := make(Credentials, len(f.Annotators))
	for i, a := range f.Annotators {
		name := strings.TrimSpace(a.Name)
		if name == "" || a.PINHash == "" {
			return nil, eris.Errorf("auth: credentials entry %d: name and pin_hash are required", i+1)
		}
		if _, err := bcrypt.Cost([]byte(a.PINHash)); err != nil {
			return nil, eris.Wrapf(err, "auth: credentials entry %q: bad pin_hash", name)
		}
		if _, dup := creds[name]; dup {
			return nil, eris.Errorf("auth: duplicate annotator %q", name)
		}
		creds[name] = a.PINHash
	}
	return creds, nil
}

// HashPIN returns the bcrypt hash stored in the credentials file.
func HashPIN(pin string) (string, error) {
	if pin == "" {
		return "", eris.New("auth: PIN is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", eris.Wrap(err, "auth: hash PIN")
	}
	return string(hash), nil
}

// Gate authenticates annotators.
type Gate struct {
	creds Credentials
	every rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewGate creates a Gate allowing attemptsPerMinute login attempts per
// name. Zero or less disables throttling.
func NewGate(creds Credentials, attemptsPerMinute int) *Gate {
	g := &Gate{
		creds:    creds,
		every:    rate.Inf,
		limiters: make(map[string]*rate.Limiter),
	}
	if attemptsPerMinute > 0 {
		g.every = rate.Every(time.Minute / time.Duration(attemptsPerMinute))
		g.burst = attemptsPerMinute
	}
	return g
}

// Names returns the known annotator names, sorted.
func (g *Gate) Names() []string {
	names := make([]string, 0, len(g.creds))
	for n := range g.creds {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Authenticate checks pin for name and returns the canonical identity to
// stamp onto saved records. Name matching ignores case and surrounding
// space.
func (g *Gate) Authenticate(name, pin string) (string, error) {
	canonical, hash, ok := g.lookup(name)
	key := strings.ToLower(strings.TrimSpace(name))

	if !g.limiter(key).Allow() {
		zap.L().Warn("auth: attempt throttled", zap.String("name", key))
		return "", ErrThrottled
	}
	if !ok {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)); err != nil {
		zap.L().Info("auth: wrong PIN", zap.String("name", canonical))
		return "", ErrInvalidCredentials
	}
	return canonical, nil
}

func (g *Gate) lookup(name string) (string, string, bool) {
	name = strings.TrimSpace(name)
	if hash, ok := g.creds[name]; ok {
		return name, hash, true
	}
	for n, hash := range g.creds {
		if strings.EqualFold(n, name) {
			return n, hash, true
		}
	}
	return "", "", false
}

func (g *Gate) limiter(key string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[key]
	if !ok {
		l = rate.NewLimiter(g.every, g.burst)
		g.limiters[key] = l
	}
	return l
}
