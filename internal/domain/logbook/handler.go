package logbook

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dietcare/dietcare/internal/platform/auth"
	"github.com/dietcare/dietcare/internal/platform/blobstore"
	"github.com/dietcare/dietcare/internal/platform/validation"
)

const (
	msgBadInput     = "입력값이 올바르지 않습니다."
	msgNotFound     = "기록을 찾을 수 없습니다."
	msgUploadFailed = "이미지 업로드에 실패했습니다. 다시 시도해주세요."
	msgTooLarge     = "이미지 용량이 너무 큽니다."
	msgBadImageType = "지원하지 않는 이미지 형식입니다."
	msgNoImage      = "이미지를 선택해주세요."
	msgInternal     = "일시적인 오류가 발생했습니다. 잠시 후 다시 시도해주세요."
	msgSession      = "로그인이 필요합니다."

	imageField = "image"
)

type Handler struct {
	svc       *Service
	maxUpload int64
	logger    zerolog.Logger
}

func NewHandler(svc *Service, maxUpload int64) *Handler {
	if maxUpload <= 0 {
		maxUpload = blobstore.DefaultMaxFileSize
	}
	return &Handler{svc: svc, maxUpload: maxUpload, logger: svc.logger}
}

// RegisterRoutes mounts the patient logbook, the stateless analysis endpoints
// and the admin per-patient views. me must resolve an ACTIVE patient; admin
// must require an admin session.
func (h *Handler) RegisterRoutes(api, me, admin *echo.Group) {
	me.GET("/weights", h.ListWeights)
	me.POST("/weights", h.AppendWeight)
	me.GET("/meals", h.ListMeals)
	me.POST("/meals", h.AddManualMeal)
	me.POST("/meals/photo", h.AddPhotoMeal)
	me.POST("/meals/text", h.AddTextMeal)
	me.PATCH("/meals/:id", h.UpdateMeal)
	me.DELETE("/meals/:id", h.DeleteMeal)

	requirePatient := auth.RequirePatient()
	api.POST("/analyze/image", h.AnalyzeImage, requirePatient)
	api.POST("/analyze/text", h.AnalyzeText, requirePatient)
	api.POST("/estimate-calories", h.EstimateCalories, requirePatient)

	admin.GET("/patients/:id/weights", h.AdminListWeights)
	admin.GET("/patients/:id/meals", h.AdminListMeals)
}

func patientID(c echo.Context) (uuid.UUID, error) {
	s := auth.FromEcho(c)
	if !s.HasPatient() {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, msgSession)
	}
	return s.PatientID, nil
}

// -- Weights --

type appendWeightRequest struct {
	Date   string  `json:"date" validate:"omitempty,ymd"`
	Weight float64 `json:"weight" validate:"required,gt=0,lte=500"`
}

func (h *Handler) AppendWeight(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	var req appendWeightRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	w, err := h.svc.AppendWeight(c.Request().Context(), pid, req.Date, req.Weight)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusCreated, w)
}

func (h *Handler) ListWeights(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.Weights(c.Request().Context(), pid)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

// -- Meals --

// ListMeals returns the day summary when ?date= is given and the full
// history otherwise.
func (h *Handler) ListMeals(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	return h.listMeals(c, pid)
}

func (h *Handler) listMeals(c echo.Context, pid uuid.UUID) error {
	if day := c.QueryParam("date"); day != "" || c.QueryParam("today") == "true" {
		sum, err := h.svc.Day(c.Request().Context(), pid, day)
		if err != nil {
			return h.mapError(c, err)
		}
		return c.JSON(http.StatusOK, sum)
	}
	items, err := h.svc.Meals(c.Request().Context(), pid)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) AddPhotoMeal(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	img, ct, err := h.readImage(c, true)
	if err != nil {
		return err
	}
	res, err := h.svc.AddPhotoMeal(c.Request().Context(), pid, img, ct)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

type textMealRequest struct {
	Text string `json:"text" validate:"required,max=1000"`
}

func (h *Handler) AddTextMeal(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	var req textMealRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	res, err := h.svc.AddTextMeal(c.Request().Context(), pid, req.Text)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

type manualMealRequest struct {
	FoodName  string     `json:"food_name" form:"food_name" validate:"required,max=200"`
	Calories  *int       `json:"calories" form:"calories" validate:"omitempty,gte=0,lte=20000"`
	Date      *time.Time `json:"date" form:"-"`
	Analysis  string     `json:"analysis" form:"analysis" validate:"max=2000"`
	ImageData string     `json:"image_data" form:"-"`
	MimeType  string     `json:"mime_type" form:"-"`
}

// AddManualMeal accepts JSON, or multipart with an optional image part.
func (h *Handler) AddManualMeal(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	var req manualMealRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	if d := c.FormValue("date"); req.Date == nil && d != "" {
		t, err := time.Parse(time.RFC3339, d)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, msgBadInput)
		}
		req.Date = &t
	}

	in := ManualMeal{FoodName: req.FoodName, Calories: req.Calories, Date: req.Date, Analysis: req.Analysis}
	switch {
	case req.ImageData != "":
		in.Image, in.ContentType, err = h.decodeDataURL(req.ImageData, req.MimeType)
		if err != nil {
			return err
		}
	case isMultipart(c):
		in.Image, in.ContentType, err = h.readImage(c, false)
		if err != nil {
			return err
		}
	}

	res, err := h.svc.AddManualMeal(c.Request().Context(), pid, in)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

type updateMealRequest struct {
	Date     *time.Time `json:"date"`
	FoodName *string    `json:"food_name" validate:"omitempty,max=200"`
	Calories *int       `json:"calories" validate:"omitempty,gte=0,lte=20000"`
	Analysis *string    `json:"analysis" validate:"omitempty,max=2000"`
}

func (h *Handler) UpdateMeal(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req updateMealRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	m, err := h.svc.UpdateMeal(c.Request().Context(), pid, id, MealUpdate{
		Date:     req.Date,
		FoodName: req.FoodName,
		Calories: req.Calories,
		Analysis: req.Analysis,
	})
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) DeleteMeal(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteMeal(c.Request().Context(), pid, id); err != nil {
		return h.mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Analysis --

func (h *Handler) AnalyzeImage(c echo.Context) error {
	img, ct, err := h.readImage(c, true)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.AnalyzeImage(c.Request().Context(), img, ct))
}

type analyzeTextRequest struct {
	Text string `json:"text" validate:"required,max=1000"`
}

func (h *Handler) AnalyzeText(c echo.Context) error {
	var req analyzeTextRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.AnalyzeText(c.Request().Context(), req.Text))
}

type estimateRequest struct {
	FoodName string `json:"food_name" validate:"required,max=200"`
}

func (h *Handler) EstimateCalories(c echo.Context) error {
	var req estimateRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"calories": h.svc.EstimateCalories(c.Request().Context(), req.FoodName)})
}

// -- Admin --

func (h *Handler) AdminListWeights(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.Weights(c.Request().Context(), id)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) AdminListMeals(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	return h.listMeals(c, id)
}

// -- Helpers --

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, msgBadInput)
	}
	return id, nil
}

func isMultipart(c echo.Context) bool {
	return strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm)
}

type imagePayload struct {
	ImageData string `json:"image_data"`
	MimeType  string `json:"mime_type"`
}

// readImage takes the "image" multipart file, or a JSON body with base64
// image_data (a data URL prefix is accepted).
func (h *Handler) readImage(c echo.Context, required bool) ([]byte, string, error) {
	if !isMultipart(c) {
		var p imagePayload
		if err := c.Bind(&p); err != nil || p.ImageData == "" {
			return nil, "", echo.NewHTTPError(http.StatusBadRequest, msgNoImage)
		}
		return h.decodeDataURL(p.ImageData, p.MimeType)
	}

	fh, err := c.FormFile(imageField)
	if err != nil {
		if required {
			return nil, "", echo.NewHTTPError(http.StatusBadRequest, msgNoImage)
		}
		return nil, "", nil
	}
	if fh.Size > h.maxUpload {
		return nil, "", echo.NewHTTPError(http.StatusRequestEntityTooLarge, msgTooLarge)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, "", echo.NewHTTPError(http.StatusBadRequest, msgNoImage)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxUpload+1))
	if err != nil {
		return nil, "", echo.NewHTTPError(http.StatusBadRequest, msgNoImage)
	}
	if int64(len(data)) > h.maxUpload {
		return nil, "", echo.NewHTTPError(http.StatusRequestEntityTooLarge, msgTooLarge)
	}

	ct := fh.Header.Get(echo.HeaderContentType)
	if ct == "" || ct == echo.MIMEOctetStream {
		ct = http.DetectContentType(data)
	}
	return data, blobstore.NormalizeContentType(ct), nil
}

func (h *Handler) decodeDataURL(s, mimeType string) ([]byte, string, error) {
	if strings.HasPrefix(s, "data:") {
		header, payload, ok := strings.Cut(s, ",")
		if !ok {
			return nil, "", echo.NewHTTPError(http.StatusBadRequest, msgNoImage)
		}
		if mimeType == "" {
			mimeType = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		}
		s = payload
	}
	if int64(base64.StdEncoding.DecodedLen(len(s))) > h.maxUpload+3 {
		return nil, "", echo.NewHTTPError(http.StatusRequestEntityTooLarge, msgTooLarge)
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(data) == 0 {
		return nil, "", echo.NewHTTPError(http.StatusBadRequest, msgNoImage)
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, blobstore.NormalizeContentType(mimeType), nil
}

func (h *Handler) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, blobstore.ErrEmptyContent):
		return echo.NewHTTPError(http.StatusBadRequest, msgBadInput)
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, msgNotFound)
	case errors.Is(err, blobstore.ErrInvalidContentType):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, msgBadImageType)
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, msgTooLarge)
	case errors.Is(err, ErrImageUpload):
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("meal image upload failed")
		return echo.NewHTTPError(http.StatusBadGateway, msgUploadFailed)
	default:
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("logbook request failed")
		return echo.NewHTTPError(http.StatusInternalServerError, msgInternal)
	}
}
