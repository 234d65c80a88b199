// Package cert validates the client certificate presented during OPN
// and decides whether the channel may proceed.
//
// Revocation checking, trust-list membership, certificate chain path
// validation, and hostname/URI cross-checks are out of scope for this
// server; the hooks for them exist here and always report Good,
// documented as such rather than silently omitted.
package cert

import (
	"crypto/x509"
	"time"

	"github.com/opcua-uasc/server/obs"
	"github.com/opcua-uasc/server/uastatus"
)

var log = obs.New("cert")

// Validator checks a client certificate against the checks this
// server actually performs.
type Validator struct {
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewValidator returns a Validator using the real wall clock.
func NewValidator() *Validator {
	return &Validator{Now: time.Now}
}

// Validate runs every check this server performs: presence, validity
// window, and the stubbed hooks. It returns the first StatusCode that
// is not Good, or uastatus.Good if every check passes.
func (v *Validator) Validate(certDER []byte) uastatus.Code {
	if len(certDER) == 0 {
		log.Debug("no client certificate presented")
		return uastatus.BadSecurityChecksFailed
	}

	parsed, err := x509.ParseCertificate(certDER)
	if err != nil {
		log.WithError(err, "parse").Warn("client certificate is not valid DER")
		return uastatus.BadCertificateInvalid
	}

	return v.validateParsed(parsed)
}

func (v *Validator) validateParsed(parsed *x509.Certificate) uastatus.Code {
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	at := now()
	if at.Before(parsed.NotBefore) || at.After(parsed.NotAfter) {
		log.WithField("not_before", parsed.NotBefore).
			WithField("not_after", parsed.NotAfter).
			Warn("client certificate outside its validity window")
		return uastatus.BadCertificateTimeInvalid
	}

	if code := v.checkRevocation(parsed); code != uastatus.Good {
		return code
	}
	if code := v.checkTrustList(parsed); code != uastatus.Good {
		return code
	}
	if code := v.checkURI(parsed); code != uastatus.Good {
		return code
	}
	if code := v.checkHostname(parsed); code != uastatus.Good {
		return code
	}
	return uastatus.Good
}

// checkRevocation is a hook: no CRL/OCSP client ships with this
// server. Always Good.
func (v *Validator) checkRevocation(*x509.Certificate) uastatus.Code { return uastatus.Good }

// checkTrustList is a hook: no trust-list store ships with this
// server. Always Good.
func (v *Validator) checkTrustList(*x509.Certificate) uastatus.Code { return uastatus.Good }

// checkURI is a hook: the applicationUri embedded in the
// certificate's SAN is not cross-checked against the client's stated
// ApplicationDescription. Always Good.
func (v *Validator) checkURI(*x509.Certificate) uastatus.Code { return uastatus.Good }

// checkHostname is a hook: no hostname/IP SAN cross-check against
// the transport's peer address. Always Good.
func (v *Validator) checkHostname(*x509.Certificate) uastatus.Code { return uastatus.Good }
