// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package xmpp

import (
	"errors"
	"fmt"

	"mellium.im/sasl"
)

var errUnexpectedChallenge = errors.New("unexpected challenge")

// anonymous is RFC 4505 without trace information. It's not part of
// mellium.im/sasl.
var anonymous = sasl.Mechanism{
	Name: string(MechanismAnonymous),
	Start: func(_ *sasl.Negotiator) (bool, []byte, interface{}, error) {
		return false, nil, nil, nil
	},
	Next: func(_ *sasl.Negotiator, _ []byte, _ interface{}) (bool, []byte, interface{}, error) {
		return false, nil, nil, errUnexpectedChallenge
	},
}

func saslMechanism(m Mechanism) (sasl.Mechanism, error) {
	switch m {
	case MechanismAnonymous:
		return anonymous, nil
	case MechanismPlain:
		return sasl.Plain, nil
	case MechanismSCRAMSHA1:
		return sasl.ScramSha1, nil
	case MechanismSCRAMSHA256:
		return sasl.ScramSha256, nil
	default:
		return sasl.Mechanism{}, fmt.Errorf("unsupported mechanism %q", m)
	}
}

// newSASLClient returns a client side negotiator for the configured
// mechanism.
func newSASLClient(cfg Config) (*sasl.Negotiator, error) {
	mech, err := saslMechanism(cfg.Mechanism)
	if err != nil {
		return nil, err
	}
	return sasl.NewClient(mech, sasl.Credentials(func() ([]byte, []byte, []byte) {
		return []byte(cfg.Username), []byte(cfg.Password), nil
	})), nil
}
