// Package identity issues human-facing account identifiers and credentials.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	AdminPrefix      = "ADMIN-"
	NodalPrefix      = "NODAL-"
	OfficerPrefix    = "OFF"
	DepartmentPrefix = "DEPT"
)

// Cost is the bcrypt work factor for permanent password hashes.
var Cost = bcrypt.DefaultCost

// Generator draws identifiers and secrets from a cryptographic source.
type Generator struct {
	Rand io.Reader
}

func NewGenerator() Generator {
	return Generator{Rand: rand.Reader}
}

func (g Generator) reader() io.Reader {
	if g.Rand != nil {
		return g.Rand
	}
	return rand.Reader
}

func (g Generator) hex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(g.reader(), buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AdminID returns ADMIN- followed by six upper-case hex digits.
func (g Generator) AdminID() (string, error) {
	s, err := g.hex(3)
	if err != nil {
		return "", err
	}
	return AdminPrefix + strings.ToUpper(s), nil
}

// NodalID returns NODAL- followed by six upper-case hex digits.
func (g Generator) NodalID() (string, error) {
	s, err := g.hex(3)
	if err != nil {
		return "", err
	}
	return NodalPrefix + strings.ToUpper(s), nil
}

// OfficerID returns OFF followed by a five digit number in [10000, 99999].
func (g Generator) OfficerID() (string, error) {
	n, err := rand.Int(g.reader(), big.NewInt(90000))
	if err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return fmt.Sprintf("%s%05d", OfficerPrefix, 10000+n.Int64()), nil
}

// TempPassword is the credential emailed on provisioning.
func (g Generator) TempPassword() (string, error) {
	return g.hex(4)
}

// ResetPassword is the longer temp credential issued by the forgot-password flow.
func (g Generator) ResetPassword() (string, error) {
	return g.hex(5)
}

// VerifyToken is the single-use token that approves a nodal registration.
func (g Generator) VerifyToken() (string, error) {
	return g.hex(20)
}

// DepartmentSuffix extracts the numeric part of a DEPT### code.
func DepartmentSuffix(deptID string) (int, bool) {
	if !strings.HasPrefix(deptID, DepartmentPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(deptID, DepartmentPrefix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// NextDepartmentID formats the code following the highest issued suffix.
// A zero maxSuffix (no departments) yields DEPT001.
func NextDepartmentID(maxSuffix int) string {
	if maxSuffix < 0 {
		maxSuffix = 0
	}
	return fmt.Sprintf("%s%03d", DepartmentPrefix, maxSuffix+1)
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), Cost)
	return string(b), err
}

func CheckPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}
