package patient

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dietcare/dietcare/internal/platform/auth"
	"github.com/dietcare/dietcare/internal/platform/kakao"
	"github.com/dietcare/dietcare/internal/platform/validation"
	"github.com/dietcare/dietcare/pkg/pagination"
)

const (
	msgRejected       = "가입이 거부되었습니다. 관리자에게 문의하세요."
	msgPending        = "가입 승인 대기 중입니다."
	msgNotFound       = "환자 정보를 찾을 수 없습니다."
	msgAlreadyDecided = "이미 처리된 가입 신청입니다."
	msgInternal       = "일시적인 오류가 발생했습니다. 잠시 후 다시 시도해주세요."
	msgKakaoFailed    = "카카오 로그인에 실패했습니다. 다시 시도해주세요."
	msgSessionExpired = "다른 기기에서 로그인되어 세션이 만료되었습니다."
	msgDuplicate      = "이미 가입 신청된 기기 또는 계정입니다."
	msgBadInput       = "입력값이 올바르지 않습니다."

	patientCtxKey = "patient"
)

// ProfileFetcher resolves a social access token into a provider profile.
type ProfileFetcher interface {
	Profile(ctx context.Context, accessToken string) (*kakao.Profile, error)
}

type Handler struct {
	svc      *Service
	sessions *auth.SessionManager
	kakao    ProfileFetcher
}

func NewHandler(svc *Service, sessions *auth.SessionManager, kakao ProfileFetcher) *Handler {
	return &Handler{svc: svc, sessions: sessions, kakao: kakao}
}

// RegisterRoutes mounts the session, signup and admin endpoints. me must
// already require a patient session; admin must require an admin session.
func (h *Handler) RegisterRoutes(api, me, admin *echo.Group) {
	api.POST("/session/resolve", h.ResolveSession)
	api.POST("/session/login", h.Login)
	api.POST("/session/kakao", h.KakaoLogin)
	api.POST("/session/logout", h.Logout)
	api.POST("/signup", h.Signup)

	me.GET("", h.GetMe)

	admin.GET("/patients", h.ListPatients)
	admin.GET("/patients/:id", h.GetPatient)
	admin.PATCH("/patients/:id", h.UpdatePatient)
	admin.POST("/patients/:id/approve", h.ApprovePatient)
	admin.POST("/patients/:id/reject", h.RejectPatient)
	admin.DELETE("/patients/:id", h.DeletePatient)
}

// -- Session --

type resolutionResponse struct {
	Outcome            Outcome        `json:"outcome"`
	Patient            *Patient       `json:"patient,omitempty"`
	Prefill            *SignupPrefill `json:"prefill,omitempty"`
	DiscardDeviceToken bool           `json:"discard_device_token"`
	SessionToken       string         `json:"session_token,omitempty"`
	Message            string         `json:"message,omitempty"`
}

func identityOf(s *auth.Session) Identity {
	if s == nil {
		return Identity{}
	}
	return Identity{DeviceToken: s.DeviceToken, KakaoID: s.KakaoID}
}

// respond binds or clears the session cookies according to res and writes it.
func (h *Handler) respond(c echo.Context, res *Resolution, kakaoID string) error {
	out := resolutionResponse{Outcome: res.Outcome, Patient: res.Patient, Prefill: res.Prefill}

	switch {
	case res.DiscardDevice:
		h.sessions.DiscardDevice(c)
		out.DiscardDeviceToken = true
		out.Patient = nil
		out.Message = msgRejected
	case res.Patient != nil:
		tok, err := h.sessions.BindPatient(c, res.Patient.ID, kakaoID)
		if err != nil {
			h.svc.logger.Error().Err(err).Msg("issue patient session")
			return echo.NewHTTPError(http.StatusInternalServerError, msgInternal)
		}
		out.SessionToken = tok
		if res.Outcome == OutcomePending {
			out.Message = msgPending
		}
	case kakaoID != "":
		// Keep the social identity so signup can link it.
		tok, err := h.sessions.BindPatient(c, uuid.Nil, kakaoID)
		if err != nil {
			h.svc.logger.Error().Err(err).Msg("issue social session")
			return echo.NewHTTPError(http.StatusInternalServerError, msgInternal)
		}
		out.SessionToken = tok
	default:
		h.sessions.ClearPatient(c)
	}

	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ResolveSession(c echo.Context) error {
	s := auth.FromEcho(c)
	res, err := h.svc.Resolve(c.Request().Context(), identityOf(s))
	if err != nil {
		return h.internal(c, err)
	}
	return h.respond(c, res, identityOf(s).KakaoID)
}

type loginRequest struct {
	Name        string `json:"name" validate:"required"`
	PhoneNumber string `json:"phone_number" validate:"required"`
	Birthdate   string `json:"birthdate" validate:"required,ymd"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}

	s := auth.FromEcho(c)
	res, err := h.svc.Login(c.Request().Context(), req.Name, req.PhoneNumber, req.Birthdate, identityOf(s).DeviceToken)
	if err != nil {
		return h.internal(c, err)
	}
	if res.Outcome == OutcomeRejected {
		// Manual login shows the rejection but leaves the device token alone.
		res.DiscardDevice = false
		h.sessions.ClearPatient(c)
		return c.JSON(http.StatusOK, resolutionResponse{Outcome: res.Outcome, Message: msgRejected})
	}
	return h.respond(c, res, identityOf(s).KakaoID)
}

type kakaoLoginRequest struct {
	AccessToken string `json:"access_token" validate:"required"`
}

func (h *Handler) KakaoLogin(c echo.Context) error {
	var req kakaoLoginRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}

	profile, err := h.kakao.Profile(c.Request().Context(), req.AccessToken)
	if err != nil {
		if errors.Is(err, kakao.ErrUnauthorized) {
			return echo.NewHTTPError(http.StatusUnauthorized, msgKakaoFailed)
		}
		h.svc.logger.Error().Err(err).Msg("kakao profile lookup failed")
		return echo.NewHTTPError(http.StatusBadGateway, msgKakaoFailed)
	}

	id := identityOf(auth.FromEcho(c))
	id.KakaoID = profile.ID
	res, err := h.svc.SocialLogin(c.Request().Context(), id, profile.Nickname, profile.Phone)
	if err != nil {
		return h.internal(c, err)
	}
	return h.respond(c, res, profile.ID)
}

func (h *Handler) Logout(c echo.Context) error {
	h.sessions.ClearPatient(c)
	return c.NoContent(http.StatusNoContent)
}

type signupRequest struct {
	Name         string  `json:"name" validate:"required"`
	PhoneNumber  string  `json:"phone_number" validate:"required,phone"`
	Birthdate    string  `json:"birthdate" validate:"omitempty,ymd"`
	Age          int     `json:"age" validate:"gte=0,lte=150"`
	StartWeight  float64 `json:"start_weight" validate:"gte=0,lte=500"`
	TargetWeight float64 `json:"target_weight" validate:"gte=0,lte=500"`
}

func (h *Handler) Signup(c echo.Context) error {
	var req signupRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}

	s := auth.FromEcho(c)
	id := identityOf(s)
	p, err := h.svc.Signup(c.Request().Context(), NewPatient{
		Name:         req.Name,
		PhoneNumber:  req.PhoneNumber,
		Birthdate:    req.Birthdate,
		Age:          req.Age,
		StartWeight:  req.StartWeight,
		TargetWeight: req.TargetWeight,
		DeviceToken:  id.DeviceToken,
		KakaoID:      id.KakaoID,
	})
	if errors.Is(err, ErrAlreadyRegistered) {
		return echo.NewHTTPError(http.StatusConflict, msgDuplicate)
	}
	if err != nil {
		return h.internal(c, err)
	}

	tok, err := h.sessions.BindPatient(c, p.ID, id.KakaoID)
	if err != nil {
		return h.internal(c, err)
	}
	return c.JSON(http.StatusCreated, resolutionResponse{
		Outcome:      OutcomePending,
		Patient:      p,
		SessionToken: tok,
		Message:      msgPending,
	})
}

// -- Patient app --

// RequireActive loads the session's patient and rejects anyone not ACTIVE or
// no longer bound to this device. Must run after auth.RequirePatient.
func (h *Handler) RequireActive() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			s := auth.FromEcho(c)
			p, err := h.svc.Authorize(c.Request().Context(), s.PatientID, identityOf(s))
			switch {
			case err == nil:
				c.Set(patientCtxKey, p)
				return next(c)
			case errors.Is(err, ErrNotFound), errors.Is(err, ErrDeviceMismatch):
				h.sessions.ClearPatient(c)
				return echo.NewHTTPError(http.StatusUnauthorized, msgSessionExpired)
			case errors.Is(err, ErrNotActive):
				if p != nil && p.Status == StatusRejected {
					return echo.NewHTTPError(http.StatusForbidden, msgRejected)
				}
				return echo.NewHTTPError(http.StatusForbidden, msgPending)
			default:
				return h.internal(c, err)
			}
		}
	}
}

// FromContext returns the patient loaded by RequireActive.
func FromContext(c echo.Context) *Patient {
	p, _ := c.Get(patientCtxKey).(*Patient)
	return p
}

func (h *Handler) GetMe(c echo.Context) error {
	p := FromContext(c)
	if p == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, msgSessionExpired)
	}
	return c.JSON(http.StatusOK, p)
}

// -- Admin --

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), ListFilter{
		Tab:    Tab(c.QueryParam("tab")),
		Query:  c.QueryParam("q"),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
	if err != nil {
		if errors.Is(err, ErrUnknownTab) {
			return echo.NewHTTPError(http.StatusBadRequest, "알 수 없는 목록입니다.")
		}
		return h.internal(c, err)
	}
	if items == nil {
		items = []*Patient{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "잘못된 환자 ID입니다.")
	}
	return id, nil
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

type updatePatientRequest struct {
	TargetWeight *float64 `json:"target_weight" validate:"omitempty,gte=0,lte=500"`
	Age          *int     `json:"age" validate:"omitempty,gte=0,lte=150"`
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req updatePatientRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	p, err := h.svc.UpdateProfile(c.Request().Context(), id, ProfileUpdate{TargetWeight: req.TargetWeight, Age: req.Age})
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ApprovePatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Approve(c.Request().Context(), id)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) RejectPatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Reject(c.Request().Context(), id)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return h.mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, msgNotFound)
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, msgAlreadyDecided)
	default:
		return h.internal(c, err)
	}
}

// internal maps caller mistakes to 400 and logs everything else as a 500
// without exposing the cause.
func (h *Handler) internal(c echo.Context, err error) error {
	if errors.Is(err, ErrInvalidLookup) || errors.Is(err, ErrInvalidInput) {
		return echo.NewHTTPError(http.StatusBadRequest, msgBadInput)
	}
	h.svc.logger.Error().Err(err).Str("path", c.Path()).Msg("patient request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, msgInternal)
}
