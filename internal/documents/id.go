package documents

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type ulidProvider struct {
	mu      sync.Mutex
	entropy io.Reader
	clock   func() time.Time
}

// NewULIDProvider constructs an IDProvider that issues lexically sortable ULIDs.
func NewULIDProvider() IDProvider {
	return &ulidProvider{
		entropy: ulid.Monotonic(rand.Reader, 0),
		clock:   time.Now,
	}
}

func (p *ulidProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	value, err := ulid.New(ulid.Timestamp(p.clock()), p.entropy)
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
