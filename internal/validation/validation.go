// Package validation provides input validation for policy documents.
package validation

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrInvalidAddress is returned when an email address is malformed
	ErrInvalidAddress = errors.New("invalid address: must be a valid email address")
	// ErrInvalidFolder is returned when a mailbox folder name is malformed
	ErrInvalidFolder = errors.New("invalid folder: must be 1-255 characters without control characters")
)

const (
	// Local-part constraints (RFC 5321)
	maxLocalPartLength = 64

	// Domain name constraints (RFC 1035)
	maxDomainLength = 253

	maxFolderLength = 255
)

var (
	// RFC 5321 compliant local-part pattern (simplified for common use cases)
	localPartPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9._+-]*[a-zA-Z0-9])?$`)

	// RFC 1035 compliant domain name pattern
	domainPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)
)

// Address checks if an email address is well-formed.
func Address(addr string) error {
	addr = strings.TrimSpace(strings.ToLower(addr))

	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return ErrInvalidAddress
	}

	local, domain := addr[:at], addr[at+1:]
	if len(local) > maxLocalPartLength || !localPartPattern.MatchString(local) {
		return ErrInvalidAddress
	}
	if strings.Contains(local, "..") {
		return ErrInvalidAddress
	}
	if len(domain) > maxDomainLength || !domainPattern.MatchString(domain) {
		return ErrInvalidAddress
	}
	for _, label := range strings.Split(domain, ".") {
		if len(label) == 0 || len(label) > 63 {
			return ErrInvalidAddress
		}
	}
	return nil
}

// Folder checks if a mailbox folder name is usable as a FILEINTO target.
func Folder(name string) error {
	if len(name) == 0 || len(name) > maxFolderLength {
		return ErrInvalidFolder
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return ErrInvalidFolder
		}
	}
	return nil
}
