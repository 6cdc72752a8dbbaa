package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Outcome tells the client which screen follows a resolution attempt.
type Outcome string

const (
	OutcomeDashboard Outcome = "dashboard"
	OutcomePending   Outcome = "pending"
	OutcomeRejected  Outcome = "rejected"
	OutcomeSignup    Outcome = "signup"
	OutcomeLanding   Outcome = "landing"
)

// SignupPrefill carries whatever the failed login attempt already knows.
type SignupPrefill struct {
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
	Birthdate   string `json:"birthdate"`
}

type Resolution struct {
	Outcome       Outcome
	Patient       *Patient
	Prefill       *SignupPrefill
	DiscardDevice bool
	Rebound       bool
}

// Identity is the set of signals a client presents.
type Identity struct {
	DeviceToken string
	KakaoID     string
}

type Service struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// find wraps Repository.Find and folds ambiguous matches into a miss.
func (s *Service) find(ctx context.Context, l Lookup) (*Patient, error) {
	p, err := s.repo.Find(ctx, l)
	switch {
	case err == nil:
		return p, nil
	case errors.Is(err, ErrAmbiguous):
		s.logger.Warn().Str("lookup", l.Kind.String()).Msg("identity lookup matched more than one patient")
		return nil, ErrNotFound
	default:
		return nil, err
	}
}

// Resolve runs app-start auto login: social identity first, then device token.
// An ACTIVE patient found by social identity is rebound to the caller's
// device. A REJECTED patient asks the caller to discard its device token.
func (s *Service) Resolve(ctx context.Context, id Identity) (*Resolution, error) {
	var (
		p   *Patient
		err error
	)
	if id.KakaoID != "" {
		p, err = s.find(ctx, LookupBySocial(id.KakaoID))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if p == nil && id.DeviceToken != "" {
		p, err = s.find(ctx, LookupByDevice(id.DeviceToken))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if p == nil {
		return &Resolution{Outcome: OutcomeLanding}, nil
	}
	res := statusResolution(p)
	if p.Status == StatusActive {
		if err := s.bindDevice(ctx, res, id.DeviceToken); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// bindDevice points the resolved patient at deviceToken when it is bound to a
// different device. Last write wins.
func (s *Service) bindDevice(ctx context.Context, res *Resolution, deviceToken string) error {
	p := res.Patient
	if deviceToken == "" || p.BoundTo(deviceToken) {
		return nil
	}
	if err := s.repo.SetDeviceToken(ctx, p.ID, deviceToken); err != nil {
		return fmt.Errorf("rebind device: %w", err)
	}
	tok := deviceToken
	p.DeviceToken = &tok
	res.Rebound = true
	s.logger.Info().Str("patient_id", p.ID.String()).Msg("device token rebound")
	return nil
}

func statusResolution(p *Patient) *Resolution {
	switch p.Status {
	case StatusActive:
		return &Resolution{Outcome: OutcomeDashboard, Patient: p}
	case StatusPending:
		return &Resolution{Outcome: OutcomePending, Patient: p}
	default:
		return &Resolution{Outcome: OutcomeRejected, Patient: p, DiscardDevice: true}
	}
}

// Login performs the explicit name/phone/birthdate login. On a hit the
// patient's device token is overwritten with the caller's unless the patient
// was rejected; on a miss the caller is routed to signup with the attempt
// pre-filled.
func (s *Service) Login(ctx context.Context, name, phone, birthdate, deviceToken string) (*Resolution, error) {
	l := LookupByCredentials(name, phone, birthdate)
	if err := l.Validate(); err != nil {
		return nil, err
	}

	p, err := s.find(ctx, l)
	if errors.Is(err, ErrNotFound) {
		return &Resolution{
			Outcome: OutcomeSignup,
			Prefill: &SignupPrefill{Name: l.Name, PhoneNumber: l.PhoneNumber, Birthdate: l.Birthdate},
		}, nil
	}
	if err != nil {
		return nil, err
	}

	res := statusResolution(p)
	if p.Status == StatusRejected {
		return res, nil
	}

	if err := s.bindDevice(ctx, res, deviceToken); err != nil {
		return nil, err
	}
	return res, nil
}

// SocialLogin resolves a Kakao identity. A miss pre-fills signup from the
// provider profile.
func (s *Service) SocialLogin(ctx context.Context, id Identity, nickname, phone string) (*Resolution, error) {
	res, err := s.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.Outcome == OutcomeLanding {
		return &Resolution{
			Outcome: OutcomeSignup,
			Prefill: &SignupPrefill{Name: nickname, PhoneNumber: NormalizePhone(phone)},
		}, nil
	}
	return res, nil
}

// Signup creates a PENDING patient bound to the caller's device.
func (s *Service) Signup(ctx context.Context, in NewPatient) (*Patient, error) {
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.PhoneNumber) == "" {
		return nil, fmt.Errorf("%w: name and phone_number are required", ErrInvalidInput)
	}
	if in.DeviceToken == "" {
		return nil, fmt.Errorf("%w: device token is required", ErrInvalidInput)
	}
	if err := s.ensureUnregistered(ctx, LookupByDevice(in.DeviceToken)); err != nil {
		return nil, err
	}
	if in.KakaoID != "" {
		if err := s.ensureUnregistered(ctx, LookupBySocial(in.KakaoID)); err != nil {
			return nil, err
		}
	}

	now := s.now()
	p := &Patient{
		Status:        StatusPending,
		Name:          strings.TrimSpace(in.Name),
		PhoneNumber:   strings.TrimSpace(in.PhoneNumber),
		JoinedAt:      now,
		Age:           in.Age,
		StartWeight:   in.StartWeight,
		CurrentWeight: in.StartWeight,
		TargetWeight:  in.TargetWeight,
	}
	tok := in.DeviceToken
	p.DeviceToken = &tok
	if b := strings.TrimSpace(in.Birthdate); b != "" {
		p.Birthdate = &b
	}
	if in.KakaoID != "" {
		k := in.KakaoID
		p.KakaoID = &k
	}

	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info().Str("patient_id", p.ID.String()).Msg("patient signed up")
	return p, nil
}

// ensureUnregistered keeps a device or social identity from resolving to two
// patients. Ambiguous matches count as registered.
func (s *Service) ensureUnregistered(ctx context.Context, l Lookup) error {
	_, err := s.repo.Find(ctx, l)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err == nil, errors.Is(err, ErrAmbiguous):
		return ErrAlreadyRegistered
	default:
		return err
	}
}

// Authorize loads the patient behind a session and checks it may use the
// patient app: it must be ACTIVE and still bound to the caller's device or
// social identity.
func (s *Service) Authorize(ctx context.Context, patientID uuid.UUID, id Identity) (*Patient, error) {
	p, err := s.repo.GetByID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if !p.BoundTo(id.DeviceToken) && !p.LinkedTo(id.KakaoID) {
		return nil, ErrDeviceMismatch
	}
	if p.Status != StatusActive {
		return p, ErrNotActive
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Approve(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.transition(ctx, id, StatusActive)
}

func (s *Service) Reject(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.transition(ctx, id, StatusRejected)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to Status) (*Patient, error) {
	p, err := s.repo.Transition(ctx, id, StatusPending, to)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("patient_id", id.String()).Str("status", string(to)).Msg("patient status changed")
	return p, nil
}

func (s *Service) UpdateProfile(ctx context.Context, id uuid.UUID, u ProfileUpdate) (*Patient, error) {
	if u.TargetWeight != nil && *u.TargetWeight < 0 {
		return nil, fmt.Errorf("%w: target_weight must not be negative", ErrInvalidInput)
	}
	if u.Age != nil && *u.Age < 0 {
		return nil, fmt.Errorf("%w: age must not be negative", ErrInvalidInput)
	}
	return s.repo.UpdateProfile(ctx, id, u)
}

// Delete hard-deletes a patient and all of its logs.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("patient_id", id.String()).Msg("patient deleted")
	return nil
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]*Patient, int, error) {
	if f.Tab == "" {
		f.Tab = TabActive
	}
	if _, ok := f.Tab.Status(); !ok && f.Tab != TabAll {
		return nil, 0, fmt.Errorf("%w: %q", ErrUnknownTab, f.Tab)
	}
	return s.repo.List(ctx, f)
}

// NormalizePhone turns a Kakao "+82 10-1234-5678" number into the domestic
// "010-1234-5678" form used at signup.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if strings.HasPrefix(phone, "+82") {
		rest := strings.TrimSpace(strings.TrimPrefix(phone, "+82"))
		if !strings.HasPrefix(rest, "0") {
			rest = "0" + rest
		}
		return rest
	}
	return phone
}
