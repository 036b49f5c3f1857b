package shelf

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentityMatches(t *testing.T) {
	tests := []struct {
		name     string
		identity PeripheralIdentity
		address  string
		devName  string
		want     bool
	}{
		{
			name:     "address equality case-insensitive",
			identity: PeripheralIdentity{Address: "AA:BB:CC:DD:EE:FF"},
			address:  "aa:bb:cc:dd:ee:ff",
			want:     true,
		},
		{
			name:     "name substring containment",
			identity: PeripheralIdentity{Name: "esp32_scale_bt"},
			devName:  "ESP32_Scale_BT v2",
			want:     true,
		},
		{
			name:     "either field suffices",
			identity: PeripheralIdentity{Address: "11:22:33:44:55:66", Name: "esp32_scale_bt"},
			address:  "aa:bb:cc:dd:ee:ff",
			devName:  "kitchen ESP32_SCALE_BT",
			want:     true,
		},
		{
			name:     "neither field matches",
			identity: PeripheralIdentity{Address: "11:22:33:44:55:66", Name: "esp32_scale_bt"},
			address:  "aa:bb:cc:dd:ee:ff",
			devName:  "JBL Flip",
			want:     false,
		},
		{
			name:     "empty advertised name never matches name filter",
			identity: PeripheralIdentity{Name: "esp32"},
			address:  "aa:bb:cc:dd:ee:ff",
			devName:  "",
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.identity.Matches(tt.address, tt.devName))
		})
	}
}

func TestIdentityValid(t *testing.T) {
	assert.False(t, PeripheralIdentity{}.Valid())
	assert.True(t, PeripheralIdentity{Address: "aa:bb:cc:dd:ee:ff"}.Valid())
	assert.True(t, PeripheralIdentity{Name: "esp32"}.Valid())
}

func TestRemedyDistinct(t *testing.T) {

	// Every error kind must carry its own user remedy
	errs := []error{
		ErrPermissionDenied,
		ErrRadioPoweredOff,
		&NotFoundError{Identity: PeripheralIdentity{Name: "esp32"}},
		ErrConnectionFailed,
		ErrSubscriptionFailed,
	}

	seen := make(map[string]struct{})
	for _, err := range errs {
		remedy := Remedy(err)
		assert.NotEmpty(t, remedy)
		_, dup := seen[remedy]
		assert.False(t, dup, "remedy for %v duplicates another error kind", err)
		seen[remedy] = struct{}{}
	}

	// Wrapped errors resolve to the same remedy as their kind
	assert.Equal(t, Remedy(ErrConnectionFailed),
		Remedy(fmt.Errorf("%w: connect timeout after 10s", ErrConnectionFailed)))
}

func TestDecodeErrorTruncation(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}

	err := NewDecodeError(string(long), "no weight field")
	assert.Len(t, err.Payload, maxDecodeErrPayload)

	var decodeErr *DecodeError
	assert.True(t, errors.As(error(err), &decodeErr))
}
