package upnp

import (
	"encoding/xml"
	"fmt"
	"regexp"
)

// SCPD is a service's control protocol description: the action table and the
// state-variable table. Immutable once fetched.
type SCPD struct {
	Actions        []Action        `xml:"actionList>action"`
	StateVariables []StateVariable `xml:"serviceStateTable>stateVariable"`
}

type Action struct {
	Name      string     `xml:"name"`
	Arguments []Argument `xml:"argumentList>argument"`
}

type Argument struct {
	Name                 string `xml:"name"`
	Direction            string `xml:"direction"`
	RelatedStateVariable string `xml:"relatedStateVariable"`
}

type StateVariable struct {
	Name          string             `xml:"name"`
	DataType      string             `xml:"dataType"`
	SendEvents    string             `xml:"sendEvents,attr"`
	AllowedValues []string           `xml:"allowedValueList>allowedValue"`
	AllowedRange  *AllowedValueRange `xml:"allowedValueRange"`
}

type AllowedValueRange struct {
	Minimum string `xml:"minimum"`
	Maximum string `xml:"maximum"`
	Step    string `xml:"step"`
}

// Variable returns the named state variable, or nil.
func (s *SCPD) Variable(name string) *StateVariable {
	for i := range s.StateVariables {
		if s.StateVariables[i].Name == name {
			return &s.StateVariables[i]
		}
	}
	return nil
}

// InputArguments filters an action's arguments to the ones sent with the call.
func (a *Action) InputArguments() []Argument {
	in := make([]Argument, 0, len(a.Arguments))
	for _, arg := range a.Arguments {
		if arg.Direction == "" || arg.Direction == "in" {
			in = append(in, arg)
		}
	}
	return in
}

var defaultXMLNamespace = regexp.MustCompile(` xmlns="[^"]+"`)

// stripDefaultNamespace removes the first default xmlns declaration so plain
// local-name struct tags match the document.
func stripDefaultNamespace(doc []byte) []byte {
	replaced := false
	return defaultXMLNamespace.ReplaceAllFunc(doc, func(m []byte) []byte {
		if replaced {
			return m
		}
		replaced = true
		return nil
	})
}

func parseSCPD(doc []byte) (*SCPD, error) {
	var spec SCPD
	if err := xml.Unmarshal(stripDefaultNamespace(doc), &spec); err != nil {
		return nil, fmt.Errorf("parse scpd: %w", err)
	}
	return &spec, nil
}
