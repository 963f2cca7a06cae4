package ecotouch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEcotouch emulates the /cgi endpoints of a controller
type fakeEcotouch struct {
	t *testing.T

	mu       sync.Mutex
	values   map[string]string
	inactive map[string]bool
	// echo overrides the value reported back by writeTags
	echo map[string]string

	loginStatus string
	session     string
	// needLogin answers that many tag requests with #E_NEED_LOGIN
	needLogin   int
	tooMany     bool
	// drop closes that many tag request connections without an answer
	drop        int
	logins      int
	logouts     int
	tagRequests []string
	chunkSizes  []int
}

func newFakeEcotouch(t *testing.T) (*fakeEcotouch, *httptest.Server) {
	f := &fakeEcotouch{
		t:           t,
		values:      make(map[string]string),
		inactive:    make(map[string]bool),
		echo:        make(map[string]string),
		loginStatus: "#S_OK",
	}
	s := httptest.NewServer(f)
	t.Cleanup(s.Close)
	return f, s
}

func (f *fakeEcotouch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := r.URL.Query()
	switch r.URL.Path {
	case "/cgi/login":
		f.logins++
		if f.loginStatus == "#S_OK" {
			f.session = strconv.Itoa(f.logins)
			http.SetCookie(w, &http.Cookie{Name: "IDALToken", Value: f.session, Path: "/"})
		}
		fmt.Fprintf(w, "%s\n", f.loginStatus)
	case "/cgi/logout":
		f.logouts++
		f.session = ""
		fmt.Fprint(w, "#S_OK\n")
	case "/cgi/readTags", "/cgi/writeTags":
		f.tagRequests = append(f.tagRequests, r.URL.RawQuery)
		if f.drop > 0 {
			f.drop--
			conn, _, err := w.(http.Hijacker).Hijack()
			require.NoError(f.t, err)
			conn.Close()
			return
		}
		if f.tooMany {
			fmt.Fprint(w, "#E_TOO_MANY_USERS\n")
			return
		}
		c, err := r.Cookie("IDALToken")
		if f.needLogin > 0 || err != nil || c.Value != f.session {
			if f.needLogin > 0 {
				f.needLogin--
			}
			fmt.Fprint(w, "#E_NEED_LOGIN\n")
			return
		}
		n, err := strconv.Atoi(q.Get("n"))
		require.NoError(f.t, err)
		f.chunkSizes = append(f.chunkSizes, n)
		write := r.URL.Path == "/cgi/writeTags"
		if write {
			assert.Equal(f.t, "true", q.Get("returnValue"))
			assert.NotEmpty(f.t, q.Get("rnd"))
		} else {
			assert.NotEmpty(f.t, q.Get("_"))
		}
		for i := 1; i <= n; i++ {
			a := q.Get("t" + strconv.Itoa(i))
			if write {
				f.values[a] = q.Get("v" + strconv.Itoa(i))
				if e, ok := f.echo[a]; ok {
					f.values[a] = e
				}
			}
			if f.inactive[a] {
				fmt.Fprintf(w, "#%s\tE_INACTIVETAG\n", a)
				continue
			}
			v, ok := f.values[a]
			if !ok {
				continue
			}
			fmt.Fprintf(w, "#%s\tS_OK\n-1\t%s\n", a, v)
		}
	default:
		http.NotFound(w, r)
	}
}

func newTestEcotouch(s *httptest.Server) *EcotouchTransport {
	e := NewEcotouchTransport(s.URL, "waterkotte", "waterkotte", s.Client(), time.Second)
	e.now = func() time.Time { return time.Unix(1700000000, 0) }
	return e
}

func TestEcotouchLogin(t *testing.T) {
	f, s := newFakeEcotouch(t)
	e := newTestEcotouch(s)
	ctx := context.Background()

	require.NoError(t, e.Login(ctx))
	assert.True(t, e.loggedIn)

	f.loginStatus = "#E_TOO_MANY_USERS"
	assert.ErrorIs(t, e.Login(ctx), ErrTooManyUsers)
	assert.False(t, e.loggedIn)

	f.loginStatus = "#E_PASS_DONT_MATCH"
	assert.ErrorIs(t, e.Login(ctx), ErrInvalidPassword)

	f.loginStatus = "#E_SOMETHING"
	var se *StatusError
	assert.ErrorAs(t, e.Login(ctx), &se)
	assert.Equal(t, "#E_SOMETHING", se.Status)

	f.loginStatus = "hello"
	assert.ErrorIs(t, e.Login(ctx), ErrInvalidResponse)
}

func TestEcotouchLogout(t *testing.T) {
	f, s := newFakeEcotouch(t)
	e := newTestEcotouch(s)
	ctx := context.Background()

	require.NoError(t, e.Logout(ctx))
	assert.Equal(t, 0, f.logouts)

	require.NoError(t, e.Login(ctx))
	require.NoError(t, e.Logout(ctx))
	assert.Equal(t, 1, f.logouts)
	assert.False(t, e.loggedIn)
}

func TestEcotouchReadChunking(t *testing.T) {
	f, s := newFakeEcotouch(t)
	e := newTestEcotouch(s)

	var tags []*Tag
	for i := 1; i <= 23; i++ {
		a := Address{Analog, i}
		f.values[a.String()] = strconv.Itoa(i * 10)
		tags = append(tags, &Tag{Name: a.String(), Addresses: []Address{a}, Codec: valueCodec{factor: 10}})
	}
	// a shared address must not be requested twice
	tags = append(tags, &Tag{Name: "DUP", Addresses: []Address{{Analog, 5}}, Codec: valueCodec{factor: 10}})

	res, err := e.Read(context.Background(), tags)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 10, 3}, f.chunkSizes)
	require.Len(t, res, 24)
	for i, tg := range tags[:23] {
		assert.Equal(t, TagResult{Value: float64(i + 1), Status: StatusOK}, res[tg])
	}
	assert.Equal(t, 5.0, res[tags[23]].Value)
	assert.Equal(t, 1, f.logins)

	assert.True(t, strings.HasPrefix(f.tagRequests[0], "n=10&t1=A1&t2=A2&"), f.tagRequests[0])
	assert.True(t, strings.HasSuffix(f.tagRequests[2], "&_=1700000000000"), f.tagRequests[2])
}

func TestEcotouchTagsPerRequest(t *testing.T) {
	f, s := newFakeEcotouch(t)
	e := newTestEcotouch(s)

	var tags []*Tag
	for i := 1; i <= 80; i++ {
		a := Address{Integer, i}
		f.values[a.String()] = "1"
		tags = append(tags, &Tag{Name: a.String(), Addresses: []Address{a}, Codec: valueCodec{}})
	}
	e.SetTagsPerRequest(200)
	_, err := e.Read(context.Background(), tags)
	require.NoError(t, err)
	assert.Equal(t, []int{75, 5}, f.chunkSizes)

	f.chunkSizes = nil
	e.SetTagsPerRequest(0)
	_, err = e.Read(context.Background(), tags[:25])
	require.NoError(t, err)
	assert.Equal(t, []int{10, 10, 5}, f.chunkSizes)
}

func TestEcotouchNeedLogin(t *testing.T) {
	f, s := newFakeEcotouch(t)
	e := newTestEcotouch(s)
	f.values["A1"] = "86"
	tg := tag(t, "TEMPERATURE_OUTSIDE")
	ctx := context.Background()

	require.NoError(t, e.Login(ctx))
	f.needLogin = 1
	res, err := e.Read(ctx, []*Tag{tg})
	require.NoError(t, err)
	assert.Equal(t, 8.6, res[tg].Value)
	assert.Equal(t, 2, f.logins)
	assert.Len(t, f.tagRequests, 2)
	assert.Equal(t, f.tagRequests[0], f.tagRequests[1])

	f.needLogin = 2
	f.tagRequests = nil
	_, err = e.Read(ctx, []*Tag{tg})
	assert.ErrorIs(t, err, ErrNeedLogin)
	assert.Equal(t, 3, f.logins)
	assert.Len(t, f.tagRequests, 2)
	assert.False(t, e.loggedIn)

	// session is re-established lazily
	res, err = e.Read(ctx, []*Tag{tg})
	require.NoError(t, err)
	assert.Equal(t, 8.6, res[tg].Value)
	assert.Equal(t, 4, f.logins)
}

func TestEcotouchConnectionFailureRetriedOnce(t *testing.T) {
	f, s := newFakeEcotouch(t)
	// without keep-alives net/http cannot hide the dropped connection by retrying itself
	tr := s.Client().Transport.(*http.Transport).Clone()
	tr.DisableKeepAlives = true
	e := NewEcotouchTransport(s.URL, "waterkotte", "waterkotte", &http.Client{Transport: tr}, time.Second)
	f.values["A1"] = "86"
	tg := tag(t, "TEMPERATURE_OUTSIDE")
	ctx := context.Background()

	f.drop = 1
	res, err := e.Read(ctx, []*Tag{tg})
	require.NoError(t, err)
	assert.Equal(t, 8.6, res[tg].Value)
	assert.Equal(t, 2, f.logins)
	require.Len(t, f.tagRequests, 2)
	assert.Equal(t, f.tagRequests[0], f.tagRequests[1])

	f.drop = 2
	f.tagRequests = nil
	_, err = e.Read(ctx, []*Tag{tg})
	var te *TransportError
	assert.ErrorAs(t, err, &te)
	assert.Len(t, f.tagRequests, 2)
	assert.Equal(t, 3, f.logins)
	assert.False(t, e.loggedIn)
}

func TestEcotouchTimeoutRetriedOnce(t *testing.T) {
	var reads int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cgi/login":
			fmt.Fprint(w, "#S_OK\n")
		case "/cgi/readTags":
			if atomic.AddInt32(&reads, 1) == 1 {
				time.Sleep(200 * time.Millisecond)
			}
			fmt.Fprint(w, "#A1\tS_OK\n-1\t86\n")
		}
	}))
	defer s.Close()
	e := NewEcotouchTransport(s.URL, "u", "p", s.Client(), 50*time.Millisecond)
	tg := tag(t, "TEMPERATURE_OUTSIDE")

	res, err := e.Read(context.Background(), []*Tag{tg})
	require.NoError(t, err)
	assert.Equal(t, 8.6, res[tg].Value)
	assert.EqualValues(t, 2, atomic.LoadInt32(&reads))
}

func TestEcotouchTooManyUsers(t *testing.T) {
	f, s := newFakeEcotouch(t)
	e := newTestEcotouch(s)
	f.tooMany = true
	_, err := e.Read(context.Background(), []*Tag{tag(t, "TEMPERATURE_OUTSIDE")})
	assert.ErrorIs(t, err, ErrTooManyUsers)
	assert.False(t, e.loggedIn)
}

func TestEcotouchInactiveAndMissing(t *testing.T) {
	f, s := newFakeEcotouch(t)
	e := newTestEcotouch(s)
	f.values["A1"] = "-52"
	f.values["A12"] = "315"
	f.inactive["A19"] = true
	f.values["A19"] = "480"

	tags, err := EcotouchRegistry().Lookup("TEMPERATURE_OUTSIDE", "TEMPERATURE_FLOW", "TEMPERATURE_WATER", "TEMPERATURE_POOL")
	require.NoError(t, err)
	res, err := e.Read(context.Background(), tags)
	require.NoError(t, err)
	assert.Equal(t, TagResult{Value: -5.2, Status: StatusOK}, res[tags[0]])
	assert.Equal(t, TagResult{Value: 31.5, Status: StatusOK}, res[tags[1]])
	assert.Equal(t, TagResult{Value: nil, Status: StatusInactive}, res[tags[2]])
	assert.Equal(t, TagResult{Value: nil, Status: StatusNotFound}, res[tags[3]])
}

func TestEcotouchDecodeErrorIsolated(t *testing.T) {
	f, s := newFakeEcotouch(t)
	e := newTestEcotouch(s)
	f.values["D420"] = "7"
	f.values["A1"] = "10"
	tags, err := EcotouchRegistry().Lookup("HOLIDAY_ENABLED", "TEMPERATURE_OUTSIDE")
	require.NoError(t, err)

	res, err := e.Read(context.Background(), tags)
	require.NoError(t, err)
	assert.Nil(t, res[tags[0]].Value)
	assert.Equal(t, StatusOK, res[tags[0]].Status)
	assert.Equal(t, 1.0, res[tags[1]].Value)
}

func TestEcotouchPrunesVariableBitfield(t *testing.T) {
	f, s := newFakeEcotouch(t)
	e := newTestEcotouch(s)
	tg := tag(t, "RELAY_STATES")
	for i := 100; i <= 108; i++ {
		f.values[fmt.Sprintf("D%d", i)] = strconv.Itoa(i % 2)
	}
	e.SetTagsPerRequest(75)

	res, err := e.Read(context.Background(), []*Tag{tg})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, false, true, false, true, false, true, false, false, false, false}, res[tg].Value)
	assert.Equal(t, []Address{{Digital, 109}, {Digital, 110}, {Digital, 111}}, e.Pruned())

	_, err = e.Read(context.Background(), []*Tag{tg})
	require.NoError(t, err)
	assert.Equal(t, []int{12, 9}, f.chunkSizes)

	// pruning is per connection
	other := newTestEcotouch(s)
	assert.Empty(t, other.Pruned())
}

func TestEcotouchAlarmAddressesNotLogged(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()
	f, s := newFakeEcotouch(t)
	e := newTestEcotouch(s)
	f.values["A1"] = "1"
	tags, err := EcotouchRegistry().Lookup("ALARM_FLAGS", "TEMPERATURE_POOL")
	require.NoError(t, err)

	e.SetTagsPerRequest(75)
	res, err := e.Read(context.Background(), tags)
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, res[tags[0]].Status)
	assert.Nil(t, res[tags[0]].Value)

	var warned []string
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			warned = append(warned, entry.Message)
		}
	}
	assert.Equal(t, []string{"No response for address A20"}, warned)
	assert.Empty(t, e.Pruned())
}

func TestEcotouchWrite(t *testing.T) {
	f, s := newFakeEcotouch(t)
	e := newTestEcotouch(s)
	setpoint := tag(t, "TEMPERATURE_WATER_SETPOINT")
	mode := tag(t, "HEATING_MODE")

	res, err := e.Write(context.Background(), []TagValue{{setpoint, 48.5}, {mode, "eco"}})
	require.NoError(t, err)
	assert.Equal(t, TagResult{Value: 48.5, Status: StatusOK}, res[setpoint])
	assert.Equal(t, TagResult{Value: "eco", Status: StatusOK}, res[mode])
	assert.Equal(t, "485", f.values["A37"])
	assert.Equal(t, "4", f.values["I265"])
	assert.Equal(t, "n=2&returnValue=true&rnd=1700000000000&t1=A37&v1=485&t2=I265&v2=4", f.tagRequests[0])
}

func TestEcotouchWriteMismatch(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()
	f, s := newFakeEcotouch(t)
	e := newTestEcotouch(s)
	setpoint := tag(t, "TEMPERATURE_HEATING_SETPOINT")
	f.echo["A31"] = "214"

	res, err := e.Write(context.Background(), []TagValue{{setpoint, 21.5}})
	require.NoError(t, err)
	assert.Equal(t, 21.4, res[setpoint].Value)

	var errs []*logrus.Entry
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel {
			errs = append(errs, entry)
		}
	}
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "Value mismatch after writing TEMPERATURE_HEATING_SETPOINT")
}

func TestEcotouchWriteEndOfDay(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()
	_, s := newFakeEcotouch(t)
	e := newTestEcotouch(s)
	end := tag(t, "SCHEDULE_WATER_FRIDAY_2_END")

	res, err := e.Write(context.Background(), []TagValue{{end, EndOfDay}})
	require.NoError(t, err)
	// the device reports 24:00 which reads back as midnight
	assert.Equal(t, TimeOfDay{}, res[end].Value)
	for _, entry := range hook.AllEntries() {
		assert.NotEqual(t, logrus.ErrorLevel, entry.Level, entry.Message)
	}
}

func TestEcotouchWriteReadOnly(t *testing.T) {
	f, s := newFakeEcotouch(t)
	e := newTestEcotouch(s)
	_, err := e.Write(context.Background(), []TagValue{{tag(t, "TEMPERATURE_OUTSIDE"), 1.0}})
	assert.ErrorIs(t, err, ErrInvalidValue)
	assert.Empty(t, f.tagRequests)
}

func TestEcotouchHTTPErrors(t *testing.T) {
	s := httptest.NewServer(http.NotFoundHandler())
	defer s.Close()
	e := newTestEcotouch(s)
	var he *HTTPError
	err := e.Login(context.Background())
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusNotFound, he.StatusCode)

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer slow.Close()
	e = NewEcotouchTransport(slow.URL, "u", "p", slow.Client(), 20*time.Millisecond)
	assert.ErrorIs(t, e.Login(context.Background()), ErrTimeout)

	e = NewEcotouchTransport("127.0.0.1:1", "u", "p", nil, time.Second)
	var te *TransportError
	assert.ErrorAs(t, e.Login(context.Background()), &te)
}

func TestParseTagResponse(t *testing.T) {
	res, err := parseTagResponse("#A1\tS_OK\r\n-1\t86\r\n#I51\tE_INACTIVETAG\r\n#D3\tS_OK\n1\t1\n")
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, "86", *res[Address{Analog, 1}].Value)
	assert.Equal(t, StatusInactive, res[Address{Integer, 51}].Status)
	assert.Nil(t, res[Address{Integer, 51}].Value)
	assert.Equal(t, "1", *res[Address{Digital, 3}].Value)

	for _, body := range []string{"", "garbage", "-1\t86", "#A1", "#A1\tS_OK\nnovalue"} {
		_, err := parseTagResponse(body)
		assert.ErrorIs(t, err, ErrInvalidResponse, body)
	}
	var se *StatusError
	_, err = parseTagResponse("#E_WHATEVER\n")
	assert.ErrorAs(t, err, &se)
}
