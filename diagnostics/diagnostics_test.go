package diagnostics

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/tinygo-org/gengc/mem"
)

func TestCreateDiagnostics(t *testing.T) {
	err := List{
		Errorf("eden", 0x3000, "second"),
		Errorf("the space", 0x9000, "old"),
		Errorf("eden", 0x1000, "first"),
		errors.New("guard card broken"),
		errors.Wrap(Errorf("eden", 0x2000, "wrapped"), "context"),
	}
	diags := CreateDiagnostics(err)
	require.Equal(t, 5, diags.Count())
	require.Len(t, diags, 3)

	require.Equal(t, "eden", diags[0].Space)
	var addrs []mem.Address
	for _, d := range diags[0].Diagnostics {
		addrs = append(addrs, d.Addr)
	}
	require.Equal(t, []mem.Address{0x1000, 0x2000, 0x3000}, addrs)
	require.Equal(t, "the space", diags[1].Space)
	require.Equal(t, "", diags[2].Space)

	buf := new(strings.Builder)
	diags.WriteTo(buf)
	require.Equal(t, `# eden
0x1000: first
0x2000: wrapped
0x3000: second
# the space
0x9000: old
guard card broken
`, buf.String())
}

func TestCreateDiagnosticsNil(t *testing.T) {
	require.Nil(t, CreateDiagnostics(nil))
}

func TestErrorMessages(t *testing.T) {
	require.Equal(t, "eden: 0x10: bad", Errorf("eden", 0x10, "bad").Error())
	require.Equal(t, "card table: guard", Errorf("card table", mem.Null, "guard").Error())
	require.Equal(t, "eden: 0x10: bad (and 1 more)", List{Errorf("eden", 0x10, "bad"), errors.New("x")}.Error())
}
