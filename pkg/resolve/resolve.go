// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package resolve classifies host strings by address family using literal
// syntax only. No network calls are made.
package resolve

import (
	"regexp"
	"strings"
)

// Family is the address family a host string belongs to.
type Family int

const (
	// Name is a hostname that needs external resolution.
	Name Family = iota

	// IPv4 is a dotted-quad literal.
	IPv4

	// IPv6 is a bare or bracketed IPv6 literal.
	IPv6
)

// String returns a string representation of the family.
func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	case Name:
		return "name"
	default:
		return "unknown"
	}
}

var (
	bracketedIPv6 = regexp.MustCompile(`^\[[0-9A-Fa-f:.]+(%[0-9A-Za-z._~-]+)?\]$`)
	bareIPv6      = regexp.MustCompile(`^(([0-9A-Fa-f]{1,4}:){1,7}|:)(:|([0-9A-Fa-f]{1,4}(:[0-9A-Fa-f]{1,4})*)|(:[0-9A-Fa-f]{1,4})+)?(:\d{1,3}(\.\d{1,3}){3})?(%[0-9A-Za-z._~-]+)?$`)
	dottedQuad    = regexp.MustCompile(`^(25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)(\.(25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)){3}$`)
)

// FamilyOf classifies host. Patterns are tried in order: bracketed IPv6,
// bare IPv6, dotted-quad IPv4. Anything else is a Name.
func FamilyOf(host string) Family {
	switch {
	case bracketedIPv6.MatchString(host):
		return IPv6
	case strings.Contains(host, ":") && bareIPv6.MatchString(host):
		return IPv6
	case dottedQuad.MatchString(host):
		return IPv4
	default:
		return Name
	}
}

// StripBrackets removes the brackets around an IPv6 literal, if present.
func StripBrackets(host string) string {
	if len(host) >= 2 && host[0] == '[' && host[len(host)-1] == ']' {
		return host[1 : len(host)-1]
	}
	return host
}
