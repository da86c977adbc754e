package identity

import (
	"bytes"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestGeneratorFormats(t *testing.T) {
	g := NewGenerator()

	admin, err := g.AdminID()
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^ADMIN-[0-9A-F]{6}$`), admin)

	nodal, err := g.NodalID()
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^NODAL-[0-9A-F]{6}$`), nodal)

	for i := 0; i < 50; i++ {
		off, err := g.OfficerID()
		require.NoError(t, err)
		assert.Regexp(t, regexp.MustCompile(`^OFF[1-9][0-9]{4}$`), off)
	}

	temp, err := g.TempPassword()
	require.NoError(t, err)
	assert.Len(t, temp, 8)

	reset, err := g.ResetPassword()
	require.NoError(t, err)
	assert.Len(t, reset, 10)

	token, err := g.VerifyToken()
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{40}$`), token)
}

func TestGeneratorDeterministicSource(t *testing.T) {
	g := Generator{Rand: bytes.NewReader([]byte{0xab, 0x01, 0xff})}
	id, err := g.NodalID()
	require.NoError(t, err)
	assert.Equal(t, "NODAL-AB01FF", id)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestGeneratorPropagatesReadErrors(t *testing.T) {
	g := Generator{Rand: failingReader{}}
	_, err := g.AdminID()
	require.Error(t, err)
	_, err = g.OfficerID()
	require.Error(t, err)
}

func TestNextDepartmentID(t *testing.T) {
	assert.Equal(t, "DEPT001", NextDepartmentID(0))
	assert.Equal(t, "DEPT008", NextDepartmentID(7))
	assert.Equal(t, "DEPT100", NextDepartmentID(99))
	assert.Equal(t, "DEPT1000", NextDepartmentID(999))

	n, ok := DepartmentSuffix("DEPT007")
	require.True(t, ok)
	assert.Equal(t, 7, n)
	_, ok = DepartmentSuffix("OFF12345")
	assert.False(t, ok)
	_, ok = DepartmentSuffix("DEPTabc")
	assert.False(t, ok)
}

func TestPasswordHashing(t *testing.T) {
	prev := Cost
	Cost = bcrypt.MinCost
	t.Cleanup(func() { Cost = prev })

	hash, err := HashPassword("s3cret!")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret!", hash)
	assert.True(t, CheckPassword(hash, "s3cret!"))
	assert.False(t, CheckPassword(hash, "s3cret"))
	assert.False(t, CheckPassword("not-a-hash", "s3cret!"))
}
