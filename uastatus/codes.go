// Package uastatus defines the closed set of OPC-UA StatusCode values
// this server's secure channel layer can produce.
//
// Numeric values follow the OPC-UA Part 6 status code assignments so a
// wire-level response carries the value a conforming client library
// already knows how to decode.
package uastatus

// Code is an OPC-UA StatusCode. The top bit distinguishes
// Bad (1) from Good/Uncertain (0) per Part 4; this server only ever
// constructs the values enumerated below.
type Code uint32

const (
	Good Code = 0x00000000

	BadCommunicationError      Code = 0x80050000
	BadSecurityChecksFailed    Code = 0x80130000
	BadSecurityModeRejected    Code = 0x80540000
	BadSecurityPolicyRejected  Code = 0x80550000
	BadCertificateInvalid      Code = 0x80120000
	BadCertificateTimeInvalid  Code = 0x80140000
	BadRequestTimeout          Code = 0x80850000
	BadTcpSecureChannelUnknown Code = 0x807F0000

	// Codes the symmetric dispatch and correlation paths need beyond
	// the handshake's own set.
	BadSecureChannelIdInvalid    Code = 0x80220000
	BadSecureChannelTokenUnknown Code = 0x80870000
	BadSecureChannelClosed       Code = 0x80860000
)

var names = map[Code]string{
	Good:                         "Good",
	BadCommunicationError:        "BadCommunicationError",
	BadSecurityChecksFailed:      "BadSecurityChecksFailed",
	BadSecurityModeRejected:      "BadSecurityModeRejected",
	BadSecurityPolicyRejected:    "BadSecurityPolicyRejected",
	BadCertificateInvalid:        "BadCertificateInvalid",
	BadCertificateTimeInvalid:    "BadCertificateTimeInvalid",
	BadRequestTimeout:            "BadRequestTimeout",
	BadTcpSecureChannelUnknown:   "BadTcpSecureChannelUnknown",
	BadSecureChannelIdInvalid:    "BadSecureChannelIdInvalid",
	BadSecureChannelTokenUnknown: "BadSecureChannelTokenUnknown",
	BadSecureChannelClosed:       "BadSecureChannelClosed",
}

func (c Code) String() string {
	if name, ok := names[c]; ok {
		return name
	}
	return "Unknown"
}

// IsGood reports whether c indicates success.
func (c Code) IsGood() bool { return c == Good }

// IsBad reports whether c's severity bits mark it as an error. OPC-UA
// reserves the top two bits of a StatusCode for severity; Bad codes
// always have the high bit set.
func (c Code) IsBad() bool { return c&0x80000000 != 0 }
