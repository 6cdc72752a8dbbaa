package logbook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/dietcare/dietcare/internal/platform/blobstore"
	"github.com/dietcare/dietcare/internal/platform/gemini"
	"github.com/dietcare/dietcare/internal/platform/photometa"
)

const (
	maxWeight     = 500
	maxCalories   = gemini.MaxCalories
	maxFoodName   = 200
	putAttempts   = 3
	maxTextLength = 1000
)

// FoodAnalyzer classifies meals. Implementations never fail; they degrade to
// a payload with Failed set.
type FoodAnalyzer interface {
	AnalyzeImage(ctx context.Context, image []byte, mimeType string) gemini.Analysis
	AnalyzeText(ctx context.Context, text string) gemini.Analysis
	EstimateCalories(ctx context.Context, foodName string) int
}

type Service struct {
	repo     Repository
	images   blobstore.BlobStore
	analyzer FoodAnalyzer
	loc      *time.Location
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, images blobstore.BlobStore, analyzer FoodAnalyzer, loc *time.Location, logger zerolog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		repo:     repo,
		images:   images,
		analyzer: analyzer,
		loc:      loc,
		logger:   logger.With().Str("component", "logbook").Logger(),
		now:      time.Now,
	}
}

func (s *Service) today() time.Time {
	start, _ := DayBounds(s.now(), s.loc)
	return start
}

// -- Weight --

// AppendWeight records weight on day (YYYY-MM-DD, empty for today) and makes
// it the patient's current weight. Out-of-order days are kept as given.
func (s *Service) AppendWeight(ctx context.Context, patientID uuid.UUID, day string, weight float64) (*WeightLog, error) {
	if weight <= 0 || weight > maxWeight {
		return nil, fmt.Errorf("%w: weight %.1f out of range", ErrInvalidInput, weight)
	}
	date := s.today()
	if day != "" {
		d, err := ParseDate(day, s.loc)
		if err != nil {
			return nil, fmt.Errorf("%w: date %q", ErrInvalidInput, day)
		}
		date = d
	}

	w := &WeightLog{PatientID: patientID, Date: date, Weight: weight}
	if err := s.repo.AppendWeight(ctx, w); err != nil {
		return nil, err
	}
	s.logger.Info().Str("patient_id", patientID.String()).Float64("weight", weight).Msg("weight appended")
	return w, nil
}

func (s *Service) Weights(ctx context.Context, patientID uuid.UUID) ([]*WeightLog, error) {
	items, err := s.repo.ListWeights(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*WeightLog{}
	}
	return items, nil
}

// -- Meal queries --

func (s *Service) Meals(ctx context.Context, patientID uuid.UUID) ([]*MealLog, error) {
	items, err := s.repo.ListMeals(ctx, patientID, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*MealLog{}
	}
	return items, nil
}

// Day lists the meals captured on day (YYYY-MM-DD, empty for today) with
// their calorie total.
func (s *Service) Day(ctx context.Context, patientID uuid.UUID, day string) (*DailySummary, error) {
	date := s.today()
	if day != "" {
		d, err := ParseDate(day, s.loc)
		if err != nil {
			return nil, fmt.Errorf("%w: date %q", ErrInvalidInput, day)
		}
		date = d
	}
	from, to := DayBounds(date, s.loc)

	meals, err := s.repo.ListMeals(ctx, patientID, from, to)
	if err != nil {
		return nil, err
	}
	if meals == nil {
		meals = []*MealLog{}
	}
	return &DailySummary{
		Date:          from.Format(DateLayout),
		Meals:         meals,
		TotalCalories: lo.SumBy(meals, func(m *MealLog) int { return m.Calories }),
	}, nil
}

// -- Meal creation --

// AddPhotoMeal uploads the photo, classifies it and records the meal. The
// meal is dated by the photo's EXIF capture time when present. A failed
// insert removes the uploaded object.
func (s *Service) AddPhotoMeal(ctx context.Context, patientID uuid.UUID, image []byte, contentType string) (*MealResult, error) {
	contentType = blobstore.NormalizeContentType(contentType)
	uploadedAt := s.now()
	capturedAt := photometa.CaptureTimeOr(image, s.loc, uploadedAt)

	obj, err := s.putImage(ctx, patientID, uploadedAt, contentType, image)
	if err != nil {
		return nil, err
	}

	a := s.analyzer.AnalyzeImage(ctx, image, contentType)
	meal := &MealLog{
		PatientID:  patientID,
		Date:       capturedAt,
		UploadedAt: uploadedAt,
		ImageURL:   obj.URL,
		FoodName:   a.FoodName,
		Calories:   a.Calories,
		Analysis:   a.Analysis,
	}
	if err := s.createWithImage(ctx, meal, obj.Key); err != nil {
		return nil, err
	}
	return &MealResult{Meal: meal, Source: SourcePhoto, AnalysisFailed: a.Failed}, nil
}

// AddTextMeal classifies a free-text description and records it with the
// placeholder image.
func (s *Service) AddTextMeal(ctx context.Context, patientID uuid.UUID, text string) (*MealResult, error) {
	text = strings.TrimSpace(text)
	if text == "" || len([]rune(text)) > maxTextLength {
		return nil, fmt.Errorf("%w: text length", ErrInvalidInput)
	}

	a := s.analyzer.AnalyzeText(ctx, text)
	now := s.now()
	meal := &MealLog{
		PatientID:  patientID,
		Date:       now,
		UploadedAt: now,
		ImageURL:   PlaceholderImageURL,
		FoodName:   a.FoodName,
		Calories:   a.Calories,
		Analysis:   a.Analysis,
	}
	if err := s.repo.CreateMeal(ctx, meal); err != nil {
		return nil, err
	}
	return &MealResult{Meal: meal, Source: SourceText, AnalysisFailed: a.Failed}, nil
}

// ManualMeal is a user-entered meal. Calories nil asks for an estimate; an
// optional photo is stored like a photo meal but not classified.
type ManualMeal struct {
	FoodName    string
	Calories    *int
	Date        *time.Time
	Analysis    string
	Image       []byte
	ContentType string
}

func (s *Service) AddManualMeal(ctx context.Context, patientID uuid.UUID, in ManualMeal) (*MealResult, error) {
	name := strings.TrimSpace(in.FoodName)
	if name == "" || len([]rune(name)) > maxFoodName {
		return nil, fmt.Errorf("%w: food_name", ErrInvalidInput)
	}
	if in.Calories != nil && (*in.Calories < 0 || *in.Calories > maxCalories) {
		return nil, fmt.Errorf("%w: calories", ErrInvalidInput)
	}

	now := s.now()
	meal := &MealLog{
		PatientID:  patientID,
		Date:       now,
		UploadedAt: now,
		ImageURL:   PlaceholderImageURL,
		FoodName:   name,
		Analysis:   strings.TrimSpace(in.Analysis),
	}
	if in.Date != nil {
		meal.Date = *in.Date
	}
	if in.Calories != nil {
		meal.Calories = *in.Calories
	} else {
		meal.Calories = s.analyzer.EstimateCalories(ctx, name)
	}

	if len(in.Image) == 0 {
		if err := s.repo.CreateMeal(ctx, meal); err != nil {
			return nil, err
		}
		return &MealResult{Meal: meal, Source: SourceManual}, nil
	}

	ct := blobstore.NormalizeContentType(in.ContentType)
	if in.Date == nil {
		meal.Date = photometa.CaptureTimeOr(in.Image, s.loc, now)
	}
	obj, err := s.putImage(ctx, patientID, now, ct, in.Image)
	if err != nil {
		return nil, err
	}
	meal.ImageURL = obj.URL
	if err := s.createWithImage(ctx, meal, obj.Key); err != nil {
		return nil, err
	}
	return &MealResult{Meal: meal, Source: SourceManual}, nil
}

// putImage stores the photo under the patient's prefix, moving the key
// forward a millisecond when it is already taken.
func (s *Service) putImage(ctx context.Context, patientID uuid.UUID, at time.Time, contentType string, image []byte) (*blobstore.BlobMetadata, error) {
	var err error
	for i := 0; i < putAttempts; i++ {
		key := blobstore.MealImageKey(patientID, at.Add(time.Duration(i)*time.Millisecond), contentType)
		var obj *blobstore.BlobMetadata
		obj, err = s.images.Put(ctx, key, contentType, image)
		if err == nil {
			return obj, nil
		}
		if !errors.Is(err, blobstore.ErrBlobExists) {
			break
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrImageUpload, err)
}

func (s *Service) createWithImage(ctx context.Context, meal *MealLog, key string) error {
	err := s.repo.CreateMeal(ctx, meal)
	if err == nil {
		return nil
	}
	if derr := s.images.Delete(context.WithoutCancel(ctx), key); derr != nil && !errors.Is(derr, blobstore.ErrBlobNotFound) {
		s.logger.Error().Err(derr).Str("key", key).Msg("orphaned meal image")
	}
	return err
}

// -- Meal corrections --

func (s *Service) UpdateMeal(ctx context.Context, patientID, mealID uuid.UUID, u MealUpdate) (*MealLog, error) {
	if u.Empty() {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	if u.FoodName != nil {
		name := strings.TrimSpace(*u.FoodName)
		if name == "" || len([]rune(name)) > maxFoodName {
			return nil, fmt.Errorf("%w: food_name", ErrInvalidInput)
		}
		u.FoodName = &name
	}
	if u.Calories != nil && (*u.Calories < 0 || *u.Calories > maxCalories) {
		return nil, fmt.Errorf("%w: calories", ErrInvalidInput)
	}
	return s.repo.UpdateMeal(ctx, patientID, mealID, u)
}

func (s *Service) DeleteMeal(ctx context.Context, patientID, mealID uuid.UUID) error {
	return s.repo.DeleteMeal(ctx, patientID, mealID)
}

// -- Stateless analysis --

func (s *Service) AnalyzeImage(ctx context.Context, image []byte, contentType string) gemini.Analysis {
	return s.analyzer.AnalyzeImage(ctx, image, blobstore.NormalizeContentType(contentType))
}

func (s *Service) AnalyzeText(ctx context.Context, text string) gemini.Analysis {
	return s.analyzer.AnalyzeText(ctx, text)
}

func (s *Service) EstimateCalories(ctx context.Context, foodName string) int {
	return s.analyzer.EstimateCalories(ctx, foodName)
}
