package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/nhardt/footnote-sub000/internal/clock"
)

const authorizationDomain = "footnote/device-authorization/v1\n"

// DeviceAuthorization binds a device name and endpoint to an identity at a
// point in causal time. It is issued by the primary during pairing.
type DeviceAuthorization struct {
	DeviceName   string          `json:"device_name"`
	EndpointID   string          `json:"endpoint_id"`
	AuthorizedBy string          `json:"authorized_by"`
	Timestamp    clock.Timestamp `json:"timestamp"`
	Signature    string          `json:"signature"`
}

func (a *DeviceAuthorization) payload() ([]byte, error) {
	body, err := json.Marshal(struct {
		DeviceName   string          `json:"device_name"`
		EndpointID   string          `json:"endpoint_id"`
		AuthorizedBy string          `json:"authorized_by"`
		Timestamp    clock.Timestamp `json:"timestamp"`
	}{a.DeviceName, a.EndpointID, a.AuthorizedBy, a.Timestamp})
	if err != nil {
		return nil, fmt.Errorf("identity: encode authorization: %w", err)
	}
	return append([]byte(authorizationDomain), body...), nil
}

// AuthorizeDevice signs an authorization for (name, endpointID) with idKey.
func AuthorizeDevice(name, endpointID string, idKey ed25519.PrivateKey) (*DeviceAuthorization, error) {
	a := &DeviceAuthorization{
		DeviceName:   name,
		EndpointID:   endpointID,
		AuthorizedBy: PublicKeyString(idKey),
		Timestamp:    clock.Now(),
	}
	msg, err := a.payload()
	if err != nil {
		return nil, err
	}
	a.Signature = sign(idKey, msg)
	return a, nil
}

// Verify checks that the authorization was signed by idPublicKey.
func (a *DeviceAuthorization) Verify(idPublicKey string) error {
	if a.AuthorizedBy != idPublicKey {
		return fmt.Errorf("%w: authorization issued by a different identity", ErrVerification)
	}
	msg, err := a.payload()
	if err != nil {
		return err
	}
	return verify(idPublicKey, a.Signature, msg)
}
