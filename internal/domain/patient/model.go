package patient

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("patient not found")
	ErrAmbiguous         = errors.New("lookup matched more than one patient")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotActive         = errors.New("patient is not active")
	ErrDeviceMismatch    = errors.New("session device no longer bound to patient")
	ErrInvalidLookup     = errors.New("invalid lookup")
	ErrInvalidInput      = errors.New("invalid patient input")
	ErrAlreadyRegistered = errors.New("device or social identity already registered")
	ErrUnknownTab        = errors.New("unknown patient list tab")
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusActive   Status = "ACTIVE"
	StatusRejected Status = "REJECTED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusRejected:
		return true
	}
	return false
}

// CanTransition reports whether an administrator may move a patient from s to next.
// Only PENDING patients can be decided, and only once.
func (s Status) CanTransition(next Status) bool {
	return s == StatusPending && (next == StatusActive || next == StatusRejected)
}

type Patient struct {
	ID            uuid.UUID `json:"id"`
	Status        Status    `json:"status"`
	Name          string    `json:"name"`
	PhoneNumber   string    `json:"phone_number"`
	Birthdate     *string   `json:"birthdate,omitempty"`
	KakaoID       *string   `json:"kakao_id,omitempty"`
	DeviceToken   *string   `json:"-"`
	JoinedAt      time.Time `json:"joined_at"`
	Age           int       `json:"age"`
	StartWeight   float64   `json:"start_weight"`
	CurrentWeight float64   `json:"current_weight"`
	TargetWeight  float64   `json:"target_weight"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (p *Patient) BoundTo(deviceToken string) bool {
	return p.DeviceToken != nil && deviceToken != "" && *p.DeviceToken == deviceToken
}

func (p *Patient) LinkedTo(kakaoID string) bool {
	return p.KakaoID != nil && kakaoID != "" && *p.KakaoID == kakaoID
}

// LookupKind selects which identity signal a Lookup matches on.
type LookupKind int

const (
	ByDevice LookupKind = iota + 1
	BySocial
	ByCredentials
)

func (k LookupKind) String() string {
	switch k {
	case ByDevice:
		return "device"
	case BySocial:
		return "social"
	case ByCredentials:
		return "credentials"
	}
	return fmt.Sprintf("LookupKind(%d)", int(k))
}

// Lookup is a single identity query. Exactly the fields for its Kind are used.
type Lookup struct {
	Kind        LookupKind
	DeviceToken string
	KakaoID     string
	Name        string
	PhoneNumber string
	Birthdate   string
}

func LookupByDevice(token string) Lookup {
	return Lookup{Kind: ByDevice, DeviceToken: token}
}

func LookupBySocial(kakaoID string) Lookup {
	return Lookup{Kind: BySocial, KakaoID: kakaoID}
}

func LookupByCredentials(name, phone, birthdate string) Lookup {
	return Lookup{
		Kind:        ByCredentials,
		Name:        strings.TrimSpace(name),
		PhoneNumber: strings.TrimSpace(phone),
		Birthdate:   strings.TrimSpace(birthdate),
	}
}

func (l Lookup) Validate() error {
	switch l.Kind {
	case ByDevice:
		if l.DeviceToken == "" {
			return fmt.Errorf("%w: device token is empty", ErrInvalidLookup)
		}
	case BySocial:
		if l.KakaoID == "" {
			return fmt.Errorf("%w: social identity is empty", ErrInvalidLookup)
		}
	case ByCredentials:
		if l.Name == "" || l.PhoneNumber == "" || l.Birthdate == "" {
			return fmt.Errorf("%w: name, phone and birthdate are all required", ErrInvalidLookup)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidLookup, int(l.Kind))
	}
	return nil
}

// Tab filters the admin patient list.
type Tab string

const (
	TabActive   Tab = "active"
	TabPending  Tab = "pending"
	TabRejected Tab = "rejected"
	TabAll      Tab = "all"
)

func (t Tab) Status() (Status, bool) {
	switch t {
	case TabActive:
		return StatusActive, true
	case TabPending:
		return StatusPending, true
	case TabRejected:
		return StatusRejected, true
	}
	return "", false
}

type ListFilter struct {
	Tab    Tab
	Query  string
	Limit  int
	Offset int
}

// Matches applies the admin search rule: case-insensitive name substring or
// phone number substring.
func (f ListFilter) Matches(p *Patient) bool {
	if st, ok := f.Tab.Status(); ok && p.Status != st {
		return false
	}
	q := strings.TrimSpace(f.Query)
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(p.Name), strings.ToLower(q)) ||
		strings.Contains(p.PhoneNumber, q)
}

// NewPatient is the self-service signup payload after validation.
type NewPatient struct {
	Name         string
	PhoneNumber  string
	Birthdate    string
	Age          int
	StartWeight  float64
	TargetWeight float64
	DeviceToken  string
	KakaoID      string
}

type ProfileUpdate struct {
	TargetWeight *float64
	Age          *int
}
