package upnp

import (
	"strings"
	"testing"
)

func playAction() *Action {
	return &Action{
		Name: "Play",
		Arguments: []Argument{
			{Name: "InstanceID", Direction: "in"},
			{Name: "Speed", Direction: "in"},
		},
	}
}

func TestReconcileArgumentsFillsDefaults(t *testing.T) {
	fields, err := reconcileArguments(playAction(), nil)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(fields) != 2 {
		t.Fatalf("expected 2 fields, got %+v", fields)
	}
	if fields[0].name != "InstanceID" || fields[0].value != "0" {
		t.Fatalf("unexpected first field: %+v", fields[0])
	}
	if fields[1].name != "Speed" || fields[1].value != "1" {
		t.Fatalf("unexpected second field: %+v", fields[1])
	}
}

func TestReconcileArgumentsBindsScalar(t *testing.T) {
	action := &Action{
		Name: "Seek",
		Arguments: []Argument{
			{Name: "InstanceID", Direction: "in"},
			{Name: "Unit", Direction: "in"},
			{Name: "Target", Direction: "in"},
		},
	}

	fields, err := reconcileArguments(action, "0:02:00")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	byName := map[string]string{}
	for _, f := range fields {
		byName[f.name] = f.value
	}
	if byName["Target"] != "0:02:00" {
		t.Fatalf("scalar not bound to Target: %+v", fields)
	}
	if byName["InstanceID"] != "0" || byName["Unit"] != "REL_TIME" {
		t.Fatalf("defaults not filled: %+v", fields)
	}
}

func TestReconcileArgumentsScalarWithTwoRequiredArgsIsCallerError(t *testing.T) {
	action := &Action{
		Name: "SetRelativeTimePosition",
		Arguments: []Argument{
			{Name: "Target", Direction: "in"},
			{Name: "Anchor", Direction: "in"},
		},
	}

	if _, err := reconcileArguments(action, "x"); err == nil {
		t.Fatal("expected caller error for ambiguous scalar")
	}
}

func TestReconcileArgumentsMapOverridesDefaults(t *testing.T) {
	fields, err := reconcileArguments(playAction(), map[string]string{"Speed": "2", "Extra": "z"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if fields[0].name != "InstanceID" || fields[1].name != "Speed" || fields[1].value != "2" {
		t.Fatalf("declared-order fields wrong: %+v", fields)
	}
	// Keys outside the declared argument list sort to the end.
	if fields[len(fields)-1].name != "Extra" {
		t.Fatalf("extra field not last: %+v", fields)
	}
}

func TestBuildEnvelopeEscapesValues(t *testing.T) {
	svc := &Service{URN: testAVTType}
	payload := svc.buildEnvelope("SetAVTransportURI", []envelopeField{
		{name: "CurrentURI", value: "http://10.0.0.2/a?b=1&c=<2>"},
	})

	if !strings.Contains(payload, "<u:SetAVTransportURI xmlns:u=\""+testAVTType+"\">") {
		t.Fatalf("envelope missing action element:\n%s", payload)
	}
	if !strings.Contains(payload, "b=1&amp;c=&lt;2&gt;") {
		t.Fatalf("value not escaped:\n%s", payload)
	}
}

func TestParseControlResponseResult(t *testing.T) {
	body := []byte(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
 <s:Body>
  <u:GetTransportInfoResponse xmlns:u="urn:schemas-upnp-org:service:AVTransport:1">
   <CurrentTransportState>PLAYING</CurrentTransportState>
   <CurrentTransportStatus>OK</CurrentTransportStatus>
  </u:GetTransportInfoResponse>
 </s:Body>
</s:Envelope>`)

	result, fault, err := parseControlResponse(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if fault != "" {
		t.Fatalf("unexpected fault %q", fault)
	}
	if result["CurrentTransportState"] != "PLAYING" || result["CurrentTransportStatus"] != "OK" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestParseControlResponseFault(t *testing.T) {
	body := []byte(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
 <s:Body>
  <s:Fault>
   <faultcode>s:Client</faultcode>
   <faultstring>UPnPError</faultstring>
   <detail>
    <UPnPError xmlns="urn:schemas-upnp-org:control-1-0">
     <errorCode>701</errorCode>
     <errorDescription>Transition not available</errorDescription>
    </UPnPError>
   </detail>
  </s:Fault>
 </s:Body>
</s:Envelope>`)

	result, fault, err := parseControlResponse(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if result != nil {
		t.Fatalf("fault must not carry a result: %+v", result)
	}
	if fault != "Transition not available" {
		t.Fatalf("fault = %q", fault)
	}
}

func TestResolveURL(t *testing.T) {
	cases := []struct {
		base, ref, want string
	}{
		{"http://10.0.0.5:8200/desc.xml", "/control/avt", "http://10.0.0.5:8200/control/avt"},
		{"http://10.0.0.5:8200/desc.xml", "control", "http://10.0.0.5:8200/control"},
		{"http://10.0.0.5:8200/desc.xml", "http://10.0.0.6/other", "http://10.0.0.6/other"},
	}
	for _, tc := range cases {
		if got := resolveURL(tc.base, tc.ref); got != tc.want {
			t.Fatalf("resolveURL(%q, %q) = %q, want %q", tc.base, tc.ref, got, tc.want)
		}
	}
}
