package stun

import "fmt"

// AttrType is the 16-bit STUN attribute type field.
type AttrType uint16

// Attribute types used by this server (RFC 5389 §18.2, RFC 5766 §14).
const (
	AttrMappedAddress     AttrType = 0x0001
	AttrUsername          AttrType = 0x0006
	AttrMessageIntegrity  AttrType = 0x0008
	AttrErrorCode         AttrType = 0x0009
	AttrUnknownAttributes AttrType = 0x000A
	AttrRealm             AttrType = 0x0014
	AttrNonce             AttrType = 0x0015
	AttrXORMappedAddress  AttrType = 0x0020

	AttrSoftware       AttrType = 0x8022
	AttrFingerprint    AttrType = 0x8028

	// TURN (RFC 5766 §14) attributes.
	AttrChannelNumber         AttrType = 0x000C
	AttrLifetime              AttrType = 0x000D
	AttrXORPeerAddress        AttrType = 0x0012
	AttrData                  AttrType = 0x0013
	AttrXORRelayedAddress     AttrType = 0x0016
	AttrEvenPort              AttrType = 0x0018
	AttrRequestedTransport    AttrType = 0x0019
	AttrDontFragment          AttrType = 0x001A
	AttrReservationToken      AttrType = 0x0022
	AttrRequestedAddressFamily AttrType = 0x0017
)

var attrName = map[AttrType]string{
	AttrMappedAddress:          "MAPPED-ADDRESS",
	AttrUsername:               "USERNAME",
	AttrMessageIntegrity:       "MESSAGE-INTEGRITY",
	AttrErrorCode:              "ERROR-CODE",
	AttrUnknownAttributes:      "UNKNOWN-ATTRIBUTES",
	AttrRealm:                  "REALM",
	AttrNonce:                  "NONCE",
	AttrXORMappedAddress:       "XOR-MAPPED-ADDRESS",
	AttrSoftware:               "SOFTWARE",
	AttrFingerprint:            "FINGERPRINT",
	AttrChannelNumber:          "CHANNEL-NUMBER",
	AttrLifetime:               "LIFETIME",
	AttrXORPeerAddress:         "XOR-PEER-ADDRESS",
	AttrData:                   "DATA",
	AttrXORRelayedAddress:      "XOR-RELAYED-ADDRESS",
	AttrEvenPort:               "EVEN-PORT",
	AttrRequestedTransport:     "REQUESTED-TRANSPORT",
	AttrDontFragment:           "DONT-FRAGMENT",
	AttrReservationToken:       "RESERVATION-TOKEN",
	AttrRequestedAddressFamily: "REQUESTED-ADDRESS-FAMILY",
}

func (a AttrType) String() string {
	if s, ok := attrName[a]; ok {
		return s
	}
	return fmt.Sprintf("0x%x", uint16(a))
}

// recognized reports whether this codec knows about the attribute type
// at all (used to decide whether to record it as "unknown").
func (a AttrType) recognized() bool {
	_, ok := attrName[a]
	return ok
}

