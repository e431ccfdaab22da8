package upnp

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	soapTimeout = 10 * time.Second
	userAgent   = "plex-dlna-player/1.0"
)

const soapEnvelopeFormat = `<?xml version="1.0" encoding="utf-8"?>` +
	`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" ` +
	`s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">` +
	`<s:Body><u:%s xmlns:u="%s">%s</u:%s></s:Body></s:Envelope>`

// Arguments the caller may omit; filled from this table before the envelope is
// built.
var defaultActionData = map[string]string{
	"InstanceID":         "0",
	"Channel":            "Master",
	"CurrentURIMetaData": "",
	"NextURIMetaData":    "",
	"Unit":               "REL_TIME",
	"Speed":              "1",
}

// Result holds the child elements of a successful action response.
type Result map[string]string

// Service is one control service of a Device. All of its URLs are resolved
// against the device location.
type Service struct {
	device *Device

	Type       string
	URN        string
	ControlURL string
	EventURL   string
	SpecURL    string

	specMu  sync.Mutex
	spec    *SCPD
	actions map[string]*Action

	subMu             sync.Mutex
	subscribed        bool
	nextSubscribeCall time.Time
}

func newService(d *Device, sd serviceDescription) *Service {
	return &Service{
		device:     d,
		Type:       sd.ServiceType,
		URN:        sd.ServiceType,
		ControlURL: resolveURL(d.LocationURL, sd.ControlURL),
		EventURL:   resolveURL(d.LocationURL, sd.EventSubURL),
		SpecURL:    resolveURL(d.LocationURL, sd.SCPDURL),
		actions:    map[string]*Action{},
	}
}

// Spec returns the cached SCPD, fetching it on first use. Never invalidated.
func (s *Service) Spec(ctx context.Context) (*SCPD, error) {
	s.specMu.Lock()
	defer s.specMu.Unlock()
	if s.spec != nil {
		return s.spec, nil
	}

	s.device.logger.Info("fetching service spec",
		slog.String("device", s.device.Name), slog.String("service", s.Type))
	doc, err := s.device.fetch(ctx, s.SpecURL)
	if err != nil {
		return nil, fmt.Errorf("fetch spec %s: %w", s.Type, err)
	}
	spec, err := parseSCPD(doc)
	if err != nil {
		return nil, err
	}

	s.spec = spec
	for i := range spec.Actions {
		s.actions[spec.Actions[i].Name] = &spec.Actions[i]
	}
	return s.spec, nil
}

// ActionSpec returns the named action's spec, or nil when the service does not
// define it. The whole action list is scanned.
func (s *Service) ActionSpec(ctx context.Context, name string) (*Action, error) {
	s.specMu.Lock()
	if action, ok := s.actions[name]; ok {
		s.specMu.Unlock()
		return action, nil
	}
	s.specMu.Unlock()

	if _, err := s.Spec(ctx); err != nil {
		return nil, err
	}

	s.specMu.Lock()
	defer s.specMu.Unlock()
	return s.actions[name], nil
}

// Control invokes one SOAP action. Device-reported faults and non-transport
// failures surface as a nil Result with nil error plus a log entry; only
// validation and connection-level problems return an error.
func (s *Service) Control(ctx context.Context, action string, data any) (Result, error) {
	spec, err := s.ActionSpec(ctx, action)
	if err != nil {
		return nil, err
	}
	if spec == nil {
		return nil, fmt.Errorf("%w: %s on %s", ErrActionNotFound, action, s.Type)
	}

	fields, err := reconcileArguments(spec, data)
	if err != nil {
		return nil, err
	}
	payload := s.buildEnvelope(action, fields)

	callCtx, cancel := context.WithTimeout(ctx, soapTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, s.ControlURL, strings.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml")
	req.Header.Set("SOAPACTION", fmt.Sprintf("%q", s.URN+"#"+action))
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.device.httpClient.Do(req)
	if err != nil {
		s.device.logger.Error("device control connection error",
			slog.String("device", s.device.Name), slog.String("action", action), slog.Any("error", err))
		s.device.recordControlFailure()
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readAll(resp.Body)
	if err != nil {
		s.device.logger.Error("device control read error",
			slog.String("device", s.device.Name), slog.String("action", action), slog.Any("error", err))
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.device.logger.Error("device control unexpected status",
			slog.String("device", s.device.Name), slog.String("action", action), slog.Int("status", resp.StatusCode))
		return nil, nil
	}

	s.device.resetControlFailures()

	result, fault, err := parseControlResponse(body)
	if err != nil {
		s.device.logger.Error("device control response parse error",
			slog.String("device", s.device.Name), slog.String("action", action), slog.Any("error", err))
		return nil, nil
	}
	if fault != "" {
		s.device.logger.Error("device reported control fault",
			slog.String("device", s.device.Name), slog.String("action", action), slog.String("fault", fault))
		return nil, nil
	}
	return result, nil
}

type envelopeField struct {
	name  string
	value string
}

// reconcileArguments turns caller data into the ordered field list of the
// envelope. A bare scalar binds to the single non-defaultable input argument,
// or to the only input argument when all of them are defaultable; defaultable
// arguments the caller omitted are filled from the default table.
func reconcileArguments(spec *Action, data any) ([]envelopeField, error) {
	in := spec.InputArguments()

	values := map[string]string{}
	switch v := data.(type) {
	case nil:
	case map[string]string:
		for k, val := range v {
			values[k] = val
		}
	default:
		scalar := fmt.Sprint(v)
		var nonDefault []Argument
		for _, arg := range in {
			if _, ok := defaultActionData[arg.Name]; !ok {
				nonDefault = append(nonDefault, arg)
			}
		}
		switch {
		case len(nonDefault) == 1:
			values[nonDefault[0].Name] = scalar
		case len(nonDefault) == 0 && len(in) == 1:
			values[in[0].Name] = scalar
		case len(nonDefault) == 0:
		default:
			return nil, fmt.Errorf("%s needs %d arguments, pass data as a map", spec.Name, len(nonDefault))
		}
	}

	for _, arg := range in {
		if def, ok := defaultActionData[arg.Name]; ok {
			if _, set := values[arg.Name]; !set {
				values[arg.Name] = def
			}
		}
	}

	fields := make([]envelopeField, 0, len(values))
	for _, arg := range in {
		if val, ok := values[arg.Name]; ok {
			fields = append(fields, envelopeField{name: arg.Name, value: val})
			delete(values, arg.Name)
		}
	}
	extras := make([]string, 0, len(values))
	for name := range values {
		extras = append(extras, name)
	}
	sort.Strings(extras)
	for _, name := range extras {
		fields = append(fields, envelopeField{name: name, value: values[name]})
	}
	return fields, nil
}

func (s *Service) buildEnvelope(action string, fields []envelopeField) string {
	var sb strings.Builder
	for _, f := range fields {
		sb.WriteString("<" + f.name + ">")
		_ = xml.EscapeText(&sb, []byte(f.value))
		sb.WriteString("</" + f.name + ">")
	}
	return fmt.Sprintf(soapEnvelopeFormat, action, s.URN, sb.String(), action)
}

// parseControlResponse walks the SOAP envelope by local element name. It
// returns either the response element's children as a Result or the fault
// description reported by the device.
func parseControlResponse(body []byte) (Result, string, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))

	var (
		inFault     bool
		faultDetail string
		result      Result
		current     string
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			local := t.Name.Local
			switch {
			case local == "Fault":
				inFault = true
			case inFault && local == "errorDescription":
				current = local
			case result != nil:
				current = local
			case strings.HasSuffix(local, "Response"):
				result = Result{}
			}
		case xml.EndElement:
			if t.Name.Local == current {
				current = ""
			}
		case xml.CharData:
			text := strings.TrimSpace(string(t))
			if text == "" {
				break
			}
			if inFault && current == "errorDescription" {
				faultDetail = text
			} else if result != nil && current != "" {
				result[current] = text
			}
		}
	}

	if inFault {
		if faultDetail == "" {
			faultDetail = "UPnP fault"
		}
		return nil, faultDetail, nil
	}
	return result, "", nil
}

func resolveURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}
