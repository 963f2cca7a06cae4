package ecotouch

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	loginStatusOK        = "#S_OK"
	loginTooManyUsers    = "#E_TOO_MANY_USERS"
	loginPasswordInvalid = "#E_PASS_DONT_MATCH"
	needLogin            = "#E_NEED_LOGIN"
)

// EcotouchTransport speaks the line based text protocol below /cgi.
// A session cookie is obtained on login and dropped on logout, need-login and transport failures.
type EcotouchTransport struct {
	httpSession

	username string
	password string
	loggedIn bool

	// now feeds the cache busting parameter
	now func() time.Time
}

// NewEcotouchTransport creates a transport for the device at baseURL
func NewEcotouchTransport(baseURL, username, password string, client *http.Client, timeout time.Duration) *EcotouchTransport {
	if client == nil {
		client = &http.Client{}
	}
	// private copy, the jar is replaced whenever the session is dropped
	c := *client
	e := &EcotouchTransport{
		httpSession: newHTTPSession(baseURL, &c, timeout, EcotouchRegistry()),
		username:    username,
		password:    password,
		now:         time.Now,
	}
	e.clearSession()
	return e
}

func (e *EcotouchTransport) clearSession() {
	jar, _ := cookiejar.New(nil)
	e.client.Jar = jar
	e.loggedIn = false
}

// Login opens a session
func (e *EcotouchTransport) Login(ctx context.Context) error {
	e.cmdLock.Lock()
	defer e.cmdLock.Unlock()
	return e.login(ctx)
}

func (e *EcotouchTransport) login(ctx context.Context) error {
	e.clearSession()
	q := "username=" + url.QueryEscape(e.username) + "&password=" + url.QueryEscape(e.password)
	body, err := e.get(ctx, "/cgi/login", q)
	if err != nil {
		return err
	}
	switch {
	case strings.HasPrefix(body, loginStatusOK):
		log.Debugf("Logged in at %v", e.baseURL)
		e.loggedIn = true
		return nil
	case strings.HasPrefix(body, loginTooManyUsers):
		return ErrTooManyUsers
	case strings.HasPrefix(body, loginPasswordInvalid):
		return ErrInvalidPassword
	case strings.HasPrefix(body, "#"):
		return &StatusError{Status: firstLine(body)}
	}
	return errors.Wrapf(ErrInvalidResponse, "login: %q", firstLine(body))
}

// Logout ends the session. The cookie is dropped regardless of the outcome.
func (e *EcotouchTransport) Logout(ctx context.Context) error {
	e.cmdLock.Lock()
	defer e.cmdLock.Unlock()
	defer e.clearSession()
	if !e.loggedIn {
		return nil
	}
	_, err := e.get(ctx, "/cgi/logout", "")
	return err
}

// Read fetches the current values of tags
func (e *EcotouchTransport) Read(ctx context.Context, tags []*Tag) (map[*Tag]TagResult, error) {
	e.cmdLock.Lock()
	defer e.cmdLock.Unlock()

	fields := log.Fields{"device": e.baseURL, "batch": uuid.NewString()}
	addrs := e.overlay.addresses(tags)
	raws, err := e.exchange(ctx, addrs, nil, fields)
	if err != nil {
		return nil, err
	}
	return decodeTags(tags, raws, fields), nil
}

// Write stores values and returns what the device reports back for the written tags
func (e *EcotouchTransport) Write(ctx context.Context, values []TagValue) (map[*Tag]TagResult, error) {
	raw, tags, err := encodeValues(values)
	if err != nil {
		return nil, err
	}

	e.cmdLock.Lock()
	defer e.cmdLock.Unlock()

	fields := log.Fields{"device": e.baseURL, "batch": uuid.NewString()}
	var addrs []Address
	for _, a := range Flatten(tags) {
		if _, ok := raw[a]; ok {
			addrs = append(addrs, a)
		}
	}
	raws, err := e.exchange(ctx, addrs, raw, fields)
	if err != nil {
		return nil, err
	}
	res := decodeTags(tags, raws, fields)
	verifyWrite(values, res, fields)
	return res, nil
}

// exchange runs one request per chunk. values == nil reads, otherwise writes.
func (e *EcotouchTransport) exchange(ctx context.Context, addrs []Address, values map[Address]string, fields log.Fields) (map[Address]RawResult, error) {
	results := make(map[Address]RawResult, len(addrs))
	if len(addrs) == 0 {
		return results, nil
	}
	if !e.loggedIn {
		if err := e.login(ctx); err != nil {
			return nil, err
		}
	}
	for _, c := range chunk(addrs, e.tagsPerRequest) {
		path, q := e.query(c, values)
		body, err := e.request(ctx, path, q)
		if err != nil {
			return nil, err
		}
		parsed, err := parseTagResponse(body)
		if err != nil {
			return nil, err
		}
		for _, a := range c {
			r, ok := parsed[a]
			if !ok {
				e.overlay.missing(a, fields)
				r = RawResult{Status: StatusNotFound}
			}
			results[a] = r
		}
	}
	log.WithFields(fields).Debugf("Exchanged %v addresses", len(results))
	return results, nil
}

// request runs a single chunk. A connection failure, a timeout or a need-login answer
// is followed by a fresh login and exactly one retry of the same query.
func (e *EcotouchTransport) request(ctx context.Context, path, q string) (string, error) {
	retried := false
	body, err := e.get(ctx, path, q)
	if err != nil {
		if !retryable(ctx, err) {
			e.clearSession()
			return "", err
		}
		log.Debugf("Request to %v failed, retrying: %v", e.baseURL, err)
		if body, err = e.retry(ctx, path, q); err != nil {
			return "", err
		}
		retried = true
	}
	if strings.HasPrefix(body, needLogin) {
		if !retried {
			log.Debugf("Session at %v expired, logging in again", e.baseURL)
			body, err = e.retry(ctx, path, q)
			if err != nil {
				return "", err
			}
		}
		if strings.HasPrefix(body, needLogin) {
			e.clearSession()
			return "", ErrNeedLogin
		}
	}
	if strings.HasPrefix(body, loginTooManyUsers) {
		e.clearSession()
		return "", ErrTooManyUsers
	}
	return body, nil
}

// retry logs in again and re-issues the query once
func (e *EcotouchTransport) retry(ctx context.Context, path, q string) (string, error) {
	if err := e.login(ctx); err != nil {
		return "", err
	}
	body, err := e.get(ctx, path, q)
	if err != nil {
		e.clearSession()
		return "", err
	}
	return body, nil
}

// retryable reports connection level failures. Errors of a cancelled ctx and http status errors are final.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var te *TransportError
	return errors.As(err, &te) || errors.Is(err, ErrTimeout)
}

// query builds the raw query. Parameters stay in address order, so it is assembled by hand.
func (e *EcotouchTransport) query(addrs []Address, values map[Address]string) (string, string) {
	var b strings.Builder
	b.WriteString("n=")
	b.WriteString(strconv.Itoa(len(addrs)))
	stamp := strconv.FormatInt(e.now().UnixMilli(), 10)
	if values == nil {
		for i, a := range addrs {
			b.WriteString("&t" + strconv.Itoa(i+1) + "=" + a.String())
		}
		b.WriteString("&_=" + stamp)
		return "/cgi/readTags", b.String()
	}
	b.WriteString("&returnValue=true&rnd=" + stamp)
	for i, a := range addrs {
		n := strconv.Itoa(i + 1)
		b.WriteString("&t" + n + "=" + a.String())
		b.WriteString("&v" + n + "=" + url.QueryEscape(values[a]))
	}
	return "/cgi/writeTags", b.String()
}

// parseTagResponse parses blocks of "#ADDR\tSTATUS" optionally followed by "opt\tvalue"
func parseTagResponse(body string) (map[Address]RawResult, error) {
	res := make(map[Address]RawResult)
	var cur *Address
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			fields := strings.SplitN(line[1:], "\t", 2)
			a, err := ParseAddress(strings.TrimSpace(fields[0]))
			if err != nil {
				return nil, &StatusError{Status: strings.TrimSpace(line)}
			}
			if len(fields) != 2 {
				return nil, errors.Wrapf(ErrInvalidResponse, "status line %q", line)
			}
			res[a] = RawResult{Status: Status(strings.TrimSpace(fields[1]))}
			cur = &a
			continue
		}
		if cur == nil {
			return nil, errors.Wrapf(ErrInvalidResponse, "value line %q without status", line)
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			return nil, errors.Wrapf(ErrInvalidResponse, "value line %q", line)
		}
		v := strings.TrimSpace(fields[1])
		r := res[*cur]
		r.Value = &v
		res[*cur] = r
		cur = nil
	}
	if len(res) == 0 {
		return nil, errors.Wrapf(ErrInvalidResponse, "no status line in %q", firstLine(body))
	}
	return res, nil
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
