package ecotouch

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/text/language"
)

// DefaultLoginRetryDelay is the pause before the single login retry
const DefaultLoginRetryDelay = 2 * time.Second

// Options configure a Client
type Options struct {
	Family   Family
	Host     string
	Username string
	Password string

	TagsPerRequest  int
	Timeout         time.Duration
	LoginRetryDelay time.Duration
	Language        string

	// HTTPClient is used for all requests if set
	HTTPClient *http.Client
}

// Client is the device facade used by the daemon. It owns one Transport chosen by family.
type Client struct {
	transport Transport
	registry  *Registry

	loginRetryDelay time.Duration

	mu     sync.RWMutex
	active []*Tag
	lang   language.Tag
}

// NewClient creates a client for one device
func NewClient(o Options) (*Client, error) {
	if o.Host == "" {
		return nil, errors.New("no host given")
	}
	r, err := RegistryFor(o.Family)
	if err != nil {
		return nil, err
	}
	var t Transport
	switch o.Family {
	case FamilyEcotouch:
		t = NewEcotouchTransport(o.Host, o.Username, o.Password, o.HTTPClient, o.Timeout)
	case FamilyEasycon:
		t = NewEasyconTransport(o.Host, o.HTTPClient, o.Timeout)
	}
	if o.TagsPerRequest > 0 {
		t.SetTagsPerRequest(o.TagsPerRequest)
	}
	return newClient(t, r, o), nil
}

func newClient(t Transport, r *Registry, o Options) *Client {
	c := &Client{
		transport:       t,
		registry:        r,
		loginRetryDelay: o.LoginRetryDelay,
		lang:            MatchLanguage(o.Language),
	}
	if c.loginRetryDelay <= 0 {
		c.loginRetryDelay = DefaultLoginRetryDelay
	}
	return c
}

// Registry returns the tag catalog of the device family
func (c *Client) Registry() *Registry { return c.registry }

// Login opens a session. Session churn is absorbed: after a failure the client waits,
// logs out and tries once more. A second failure is logged and not returned, so callers
// see it as failing reads later on. Rejected credentials are returned immediately.
func (c *Client) Login(ctx context.Context) error {
	err := c.transport.Login(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidPassword) {
		return err
	}
	log.Warnf("Login failed: %v, retrying in %v", err, c.loginRetryDelay)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.loginRetryDelay):
	}
	if lerr := c.transport.Logout(ctx); lerr != nil {
		log.Debugf("Forced logout: %v", lerr)
	}
	if err := c.transport.Login(ctx); err != nil {
		if errors.Is(err, ErrInvalidPassword) {
			return err
		}
		log.Errorf("Login failed again: %v", err)
	}
	return nil
}

// Logout ends the session
func (c *Client) Logout(ctx context.Context) error {
	return c.transport.Logout(ctx)
}

// SetActiveTags selects the tags ReadValues uses when called without tags
func (c *Client) SetActiveTags(names ...string) error {
	tags, err := c.registry.Lookup(names...)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.active = tags
	c.mu.Unlock()
	return nil
}

// ActiveTags returns the tags selected with SetActiveTags
func (c *Client) ActiveTags() []*Tag {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Tag(nil), c.active...)
}

// SetTagsPerRequest tunes the batch size of the Ecotouch protocol
func (c *Client) SetTagsPerRequest(n int) {
	c.transport.SetTagsPerRequest(n)
}

// SetLanguage selects the translation table for bitfields, e.g. "de" or "en"
func (c *Client) SetLanguage(code string) {
	c.mu.Lock()
	c.lang = MatchLanguage(code)
	c.mu.Unlock()
}

// Language returns the selected translation table
func (c *Client) Language() language.Tag {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lang
}

// PrunedAddresses lists bitfield addresses the device turned out not to know
func (c *Client) PrunedAddresses() []Address {
	return c.transport.Pruned()
}

// ReadValues reads tags, or the active tags if none are given
func (c *Client) ReadValues(ctx context.Context, tags ...*Tag) (map[*Tag]TagResult, error) {
	if len(tags) == 0 {
		tags = c.ActiveTags()
	}
	if len(tags) == 0 {
		return map[*Tag]TagResult{}, nil
	}
	res, err := c.transport.Read(ctx, tags)
	if err != nil {
		return nil, err
	}
	c.translate(res)
	return res, nil
}

// ReadNamed reads tags by name
func (c *Client) ReadNamed(ctx context.Context, names ...string) (map[*Tag]TagResult, error) {
	tags, err := c.registry.Lookup(names...)
	if err != nil {
		return nil, err
	}
	return c.ReadValues(ctx, tags...)
}

// WriteValue writes a single tag
func (c *Client) WriteValue(ctx context.Context, t *Tag, v interface{}) (map[*Tag]TagResult, error) {
	return c.WriteValues(ctx, []TagValue{{Tag: t, Value: v}})
}

// WriteValues writes several tags in as few requests as possible
func (c *Client) WriteValues(ctx context.Context, values []TagValue) (map[*Tag]TagResult, error) {
	for _, tv := range values {
		if tv.Tag == nil {
			return nil, errors.Wrapf(ErrUnknownTag, "no tag given")
		}
	}
	res, err := c.transport.Write(ctx, values)
	if err != nil {
		return nil, err
	}
	c.translate(res)
	return res, nil
}

func (c *Client) translate(res map[*Tag]TagResult) {
	lang := c.Language()
	for t, r := range res {
		if !t.Translate {
			continue
		}
		if bits, ok := r.Value.([]bool); ok {
			r.Value = TranslateBits(lang, t, bits)
			res[t] = r
		}
	}
}
