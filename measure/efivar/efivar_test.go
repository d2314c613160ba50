package efivar

import (
	"encoding/binary"
	"testing"

	"github.com/Fraunhofer-AISEC/tdxpredict/measure"
	"github.com/Fraunhofer-AISEC/tdxpredict/measure/hasher"
	"github.com/stretchr/testify/require"
)

func TestSerializeLayout(t *testing.T) {
	v := Variable{Name: "PK", VendorGUID: GlobalVariableGUID, Data: []byte{0xAA, 0xBB}}
	got, err := Serialize(v)
	require.NoError(t, err)

	require.Equal(t, GlobalVariableGUID[:], got[:16])
	nameLen := binary.LittleEndian.Uint64(got[16:24])
	dataLen := binary.LittleEndian.Uint64(got[24:32])
	require.Equal(t, uint64(2), nameLen) // "PK" -> 2 CHAR16 units
	require.Equal(t, uint64(2), dataLen)
	require.Equal(t, []byte{0xAA, 0xBB}, got[len(got)-2:])
}

func TestSerializeEmptyData(t *testing.T) {
	v := Variable{Name: "SecureBoot", VendorGUID: GlobalVariableGUID, Data: nil}
	got, err := Serialize(v)
	require.NoError(t, err)

	dataLen := binary.LittleEndian.Uint64(got[24:32])
	require.Equal(t, uint64(0), dataLen)
}

func TestMeasureExtendsRegister(t *testing.T) {
	r0 := hasher.NewRegister()
	v := Variable{Name: "db", VendorGUID: ImageSecurityDatabaseGUID, Data: []byte("certs")}

	r1, ev, err := Measure(r0, measure.RegisterRTMR0, "EV_EFI_VARIABLE_DRIVER_CONFIG", v)
	require.NoError(t, err)
	require.NotEqual(t, r0, r1)
	require.Equal(t, measure.RegisterRTMR0, ev.Register)
	require.Equal(t, "db", ev.Description)
}

func TestBootOrderDefaultsToSingleZeroEntry(t *testing.T) {
	got := BootOrder(nil)
	require.Equal(t, []byte{0x00, 0x00}, got)
}

func TestBootOrderSerializesLittleEndian(t *testing.T) {
	got := BootOrder([]uint16{1, 0})
	require.Equal(t, []byte{0x01, 0x00, 0x00, 0x00}, got)
}

func TestDefaultBootOptionDeterministic(t *testing.T) {
	a := DefaultBootOption()
	b := DefaultBootOption()
	require.Equal(t, a, b)
	require.NotEmpty(t, a)
}

func TestStripEfivarfsHeaderWithFullHeader(t *testing.T) {
	v := Variable{Name: "PK", VendorGUID: GlobalVariableGUID, Data: []byte("payload")}
	full, err := Serialize(v)
	require.NoError(t, err)

	stripped := StripEfivarfsHeader(full, GlobalVariableGUID)
	require.Equal(t, []byte("payload"), stripped)
}

func TestStripEfivarfsHeaderWithAttributesOnly(t *testing.T) {
	data := append([]byte{0x07, 0x00, 0x00, 0x00}, []byte("payload")...)
	stripped := StripEfivarfsHeader(data, GlobalVariableGUID)
	require.Equal(t, []byte("payload"), stripped)
}
