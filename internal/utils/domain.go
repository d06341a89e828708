package utils

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// RegistrableDomain returns the eTLD+1 for host ("support.sap.com" ->
// "sap.com"). Hosts that are themselves public suffixes, IPs or single labels
// are returned unchanged.
func RegistrableDomain(host string) string {
	host = NormalizeHost(host)
	if host == "" || !strings.Contains(host, ".") || isIP(host) {
		return host
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

// DomainFallbackChain lists host followed by each parent domain down to and
// including its registrable domain:
//
//	"a.b.support.sap.com" -> [a.b.support.sap.com b.support.sap.com support.sap.com sap.com]
func DomainFallbackChain(host string) []string {
	host = NormalizeHost(host)
	if host == "" {
		return nil
	}
	floor := RegistrableDomain(host)
	chain := []string{host}
	cur := host
	for cur != floor {
		i := strings.IndexByte(cur, '.')
		if i < 0 {
			break
		}
		cur = cur[i+1:]
		chain = append(chain, cur)
	}
	return chain
}

func isIP(host string) bool {
	if strings.Contains(host, ":") {
		return true
	}
	for _, r := range host {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}
