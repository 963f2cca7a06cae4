package ecotouch

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// easyconWriteOK is the only success indicator query.cgi offers
const easyconWriteOK = "Operation completed"

var easyconSections = map[string]Kind{
	"ANALOG":  Analog,
	"INTEGER": Integer,
	"DIGITAL": Digital,
}

// EasyconTransport speaks the XML protocol below /config. There is no session.
type EasyconTransport struct {
	httpSession
}

// NewEasyconTransport creates a transport for the device at baseURL
func NewEasyconTransport(baseURL string, client *http.Client, timeout time.Duration) *EasyconTransport {
	return &EasyconTransport{httpSession: newHTTPSession(baseURL, client, timeout, EasyconRegistry())}
}

// Login is a no-op
func (e *EasyconTransport) Login(ctx context.Context) error { return nil }

// Logout is a no-op
func (e *EasyconTransport) Logout(ctx context.Context) error { return nil }

// Read fetches the current values of tags with one ranged query per address kind
func (e *EasyconTransport) Read(ctx context.Context, tags []*Tag) (map[*Tag]TagResult, error) {
	e.cmdLock.Lock()
	defer e.cmdLock.Unlock()

	fields := log.Fields{"device": e.baseURL, "batch": uuid.NewString()}
	raws, err := e.read(ctx, e.overlay.addresses(tags), fields)
	if err != nil {
		return nil, err
	}
	return decodeTags(tags, raws, fields), nil
}

func (e *EasyconTransport) read(ctx context.Context, addrs []Address, fields log.Fields) (map[Address]RawResult, error) {
	type span struct{ lo, hi int }
	spans := make(map[Kind]*span)
	var kinds []Kind
	for _, a := range addrs {
		s, ok := spans[a.Kind]
		if !ok {
			spans[a.Kind] = &span{lo: a.Index, hi: a.Index}
			kinds = append(kinds, a.Kind)
			continue
		}
		if a.Index < s.lo {
			s.lo = a.Index
		}
		if a.Index > s.hi {
			s.hi = a.Index
		}
	}

	var vars []easyconVar
	for _, k := range kinds {
		s := spans[k]
		q := "|" + string(k) + "|" + strconv.Itoa(s.lo) + "|" + strconv.Itoa(s.hi)
		body, err := e.get(ctx, "/config/xml.cgi", q)
		if err != nil {
			return nil, err
		}
		vs, err := parseEasyconXML(strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		vars = append(vars, vs...)
	}

	results := make(map[Address]RawResult, len(addrs))
	for _, a := range addrs {
		v, ok := findEasyconVar(vars, a)
		if !ok {
			e.overlay.missing(a, fields)
			results[a] = RawResult{Status: StatusNotFound}
			continue
		}
		results[a] = RawResult{Status: StatusOK, Value: &v}
	}
	log.WithFields(fields).Debugf("Read %v addresses in %v queries", len(results), len(kinds))
	return results, nil
}

// Write stores values, then reads the written tags back for verification
func (e *EasyconTransport) Write(ctx context.Context, values []TagValue) (map[*Tag]TagResult, error) {
	raw, tags, err := encodeValues(values)
	if err != nil {
		return nil, err
	}

	e.cmdLock.Lock()
	defer e.cmdLock.Unlock()

	fields := log.Fields{"device": e.baseURL, "batch": uuid.NewString()}
	addrs := Flatten(tags)
	var b strings.Builder
	b.WriteString("var")
	for _, a := range addrs {
		v, ok := raw[a]
		if !ok {
			continue
		}
		b.WriteString("|" + string(a.Kind) + "|" + strconv.Itoa(a.Index) + "|" + v)
	}
	body, err := e.get(ctx, "/config/query.cgi", b.String())
	if err != nil {
		return nil, err
	}
	if !strings.Contains(body, easyconWriteOK) {
		return nil, errors.Wrapf(ErrInvalidResponse, "write not confirmed: %q", firstLine(body))
	}

	raws, err := e.read(ctx, addrs, fields)
	if err != nil {
		return nil, errors.Wrap(err, "reading back written values")
	}
	res := decodeTags(tags, raws, fields)
	verifyWrite(values, res, fields)
	return res, nil
}

type easyconVar struct {
	kind  Kind
	index int
	value string
}

// parseEasyconXML walks the token stream of
// <PCO><ANALOG><VARIABLE><INDEX>1</INDEX><VALUE>8.6</VALUE></VARIABLE>...</ANALOG>...</PCO>
func parseEasyconXML(r io.Reader) ([]easyconVar, error) {
	d := xml.NewDecoder(r)
	var (
		vars    []easyconVar
		kind    Kind
		inVar   bool
		field   string
		cur     easyconVar
		idxText string
		root    bool
	)
	for {
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(ErrInvalidResponse, err.Error())
		}
		switch t := tok.(type) {
		case xml.StartElement:
			name := strings.ToUpper(t.Name.Local)
			if k, ok := easyconSections[name]; ok {
				kind = k
				root = true
				continue
			}
			switch name {
			case "VARIABLE":
				inVar = true
				cur = easyconVar{kind: kind}
				idxText = ""
			case "INDEX", "VALUE":
				field = name
			case "PCO":
				root = true
			}
		case xml.CharData:
			if !inVar {
				continue
			}
			switch field {
			case "INDEX":
				idxText += string(t)
			case "VALUE":
				cur.value += string(t)
			}
		case xml.EndElement:
			name := strings.ToUpper(t.Name.Local)
			switch {
			case name == "VARIABLE" && inVar:
				inVar = false
				i, err := strconv.Atoi(strings.TrimSpace(idxText))
				if err != nil || cur.kind == 0 {
					return nil, errors.Wrapf(ErrInvalidResponse, "variable index %q", idxText)
				}
				cur.index = i
				cur.value = strings.TrimSpace(cur.value)
				vars = append(vars, cur)
			case name == "INDEX" || name == "VALUE":
				field = ""
			case easyconSections[name] != 0:
				kind = 0
			}
		}
	}
	if !root {
		return nil, errors.Wrap(ErrInvalidResponse, "no PCO document")
	}
	return vars, nil
}

// findEasyconVar searches the parsed document linearly
func findEasyconVar(vars []easyconVar, a Address) (string, bool) {
	for _, v := range vars {
		if v.kind == a.Kind && v.index == a.Index {
			return v.value, true
		}
	}
	return "", false
}
