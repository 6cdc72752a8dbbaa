package logbook

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/dietcare/dietcare/internal/platform/blobstore"
	"github.com/dietcare/dietcare/internal/platform/gemini"
)

// -- Mock Repository --

type mockRepo struct {
	mu         sync.Mutex
	patients   map[uuid.UUID]float64
	weights    []*WeightLog
	meals      map[uuid.UUID]*MealLog
	failCreate error
}

func newMockRepo() *mockRepo {
	return &mockRepo{patients: make(map[uuid.UUID]float64), meals: make(map[uuid.UUID]*MealLog)}
}

func (m *mockRepo) addPatient() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.patients[id] = 0
	return id
}

func (m *mockRepo) currentWeight(id uuid.UUID) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.patients[id]
}

func (m *mockRepo) AppendWeight(_ context.Context, w *WeightLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[w.PatientID]; !ok {
		return ErrNotFound
	}
	m.patients[w.PatientID] = w.Weight
	w.ID = uuid.New()
	w.CreatedAt = time.Now()
	cp := *w
	m.weights = append(m.weights, &cp)
	return nil
}

func (m *mockRepo) ListWeights(_ context.Context, patientID uuid.UUID) ([]*WeightLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := lo.Filter(m.weights, func(w *WeightLog, _ int) bool { return w.PatientID == patientID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *mockRepo) CreateMeal(_ context.Context, meal *MealLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return m.failCreate
	}
	meal.ID = uuid.New()
	cp := *meal
	m.meals[meal.ID] = &cp
	return nil
}

func (m *mockRepo) GetMeal(_ context.Context, patientID, mealID uuid.UUID) (*MealLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meal, ok := m.meals[mealID]
	if !ok || meal.PatientID != patientID {
		return nil, ErrNotFound
	}
	cp := *meal
	return &cp, nil
}

func (m *mockRepo) ListMeals(_ context.Context, patientID uuid.UUID, from, to time.Time) ([]*MealLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := lo.Filter(lo.Values(m.meals), func(meal *MealLog, _ int) bool {
		if meal.PatientID != patientID {
			return false
		}
		if !from.IsZero() && meal.Date.Before(from) {
			return false
		}
		if !to.IsZero() && !meal.Date.Before(to) {
			return false
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}

func (m *mockRepo) UpdateMeal(_ context.Context, patientID, mealID uuid.UUID, u MealUpdate) (*MealLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meal, ok := m.meals[mealID]
	if !ok || meal.PatientID != patientID {
		return nil, ErrNotFound
	}
	if u.Date != nil {
		meal.Date = *u.Date
	}
	if u.FoodName != nil {
		meal.FoodName = *u.FoodName
	}
	if u.Calories != nil {
		meal.Calories = *u.Calories
	}
	if u.Analysis != nil {
		meal.Analysis = *u.Analysis
	}
	cp := *meal
	return &cp, nil
}

func (m *mockRepo) DeleteMeal(_ context.Context, patientID, mealID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meal, ok := m.meals[mealID]
	if !ok || meal.PatientID != patientID {
		return ErrNotFound
	}
	delete(m.meals, mealID)
	return nil
}

// -- Fake analyzer --

type fakeAnalyzer struct {
	result    gemini.Analysis
	estimate  int
	images    int
	texts     []string
	estimates []string
}

func (f *fakeAnalyzer) AnalyzeImage(_ context.Context, _ []byte, _ string) gemini.Analysis {
	f.images++
	return f.result
}

func (f *fakeAnalyzer) AnalyzeText(_ context.Context, text string) gemini.Analysis {
	f.texts = append(f.texts, text)
	return f.result
}

func (f *fakeAnalyzer) EstimateCalories(_ context.Context, foodName string) int {
	f.estimates = append(f.estimates, foodName)
	return f.estimate
}

var seoul = time.FixedZone("KST", 9*60*60)

var fixedNow = time.Date(2026, 3, 14, 12, 30, 0, 0, seoul)

type testEnv struct {
	svc      *Service
	repo     *mockRepo
	store    *blobstore.InMemoryBlobStore
	analyzer *fakeAnalyzer
}

func newTestEnv() *testEnv {
	repo := newMockRepo()
	store := blobstore.NewInMemoryBlobStore("http://localhost/media", 1024)
	analyzer := &fakeAnalyzer{
		result:   gemini.Analysis{FoodName: "비빔밥", Calories: 560, Analysis: "채소가 풍부합니다."},
		estimate: 320,
	}
	svc := NewService(repo, store, analyzer, seoul, zerolog.Nop())
	svc.now = func() time.Time { return fixedNow }
	return &testEnv{svc: svc, repo: repo, store: store, analyzer: analyzer}
}

var jpegBytes = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0xFF, 0xD9}

// -- Weight --

func TestAppendWeight_UpdatesCurrentWeight(t *testing.T) {
	env := newTestEnv()
	pid := env.repo.addPatient()

	w, err := env.svc.AppendWeight(context.Background(), pid, "2026-03-10", 70.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Date.Format(DateLayout) != "2026-03-10" {
		t.Errorf("expected date 2026-03-10, got %s", w.Date.Format(DateLayout))
	}
	if got := env.repo.currentWeight(pid); got != 70.5 {
		t.Errorf("expected current weight 70.5, got %v", got)
	}
}

func TestAppendWeight_DefaultsToToday(t *testing.T) {
	env := newTestEnv()
	pid := env.repo.addPatient()

	w, err := env.svc.AppendWeight(context.Background(), pid, "", 68)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Date.Format(DateLayout) != "2026-03-14" {
		t.Errorf("expected today's date, got %s", w.Date.Format(DateLayout))
	}
}

func TestAppendWeight_OutOfOrderKept(t *testing.T) {
	env := newTestEnv()
	pid := env.repo.addPatient()
	ctx := context.Background()

	for _, in := range []struct {
		day    string
		weight float64
	}{{"2026-03-12", 71}, {"2026-03-08", 73}, {"2026-03-10", 72}} {
		if _, err := env.svc.AppendWeight(ctx, pid, in.day, in.weight); err != nil {
			t.Fatalf("append %s: %v", in.day, err)
		}
	}

	items, err := env.svc.Weights(ctx, pid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 weights, got %d", len(items))
	}
	if items[0].Date.Format(DateLayout) != "2026-03-08" || items[2].Date.Format(DateLayout) != "2026-03-12" {
		t.Errorf("expected date-ordered history, got %s..%s",
			items[0].Date.Format(DateLayout), items[2].Date.Format(DateLayout))
	}
	// current weight follows the last append, not the latest date
	if got := env.repo.currentWeight(pid); got != 72 {
		t.Errorf("expected current weight 72, got %v", got)
	}
}

func TestAppendWeight_Invalid(t *testing.T) {
	env := newTestEnv()
	pid := env.repo.addPatient()

	cases := []struct {
		name   string
		day    string
		weight float64
	}{
		{"zero", "", 0},
		{"negative", "", -3},
		{"too heavy", "", 501},
		{"bad date", "14/03/2026", 70},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.AppendWeight(context.Background(), pid, tc.day, tc.weight)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestAppendWeight_UnknownPatient(t *testing.T) {
	env := newTestEnv()
	_, err := env.svc.AppendWeight(context.Background(), uuid.New(), "", 70)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestWeights_EmptyIsNotNil(t *testing.T) {
	env := newTestEnv()
	items, err := env.svc.Weights(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if items == nil {
		t.Error("expected empty slice, got nil")
	}
}

// -- Photo meals --

func TestAddPhotoMeal(t *testing.T) {
	env := newTestEnv()
	pid := env.repo.addPatient()

	res, err := env.svc.AddPhotoMeal(context.Background(), pid, jpegBytes, "image/jpeg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != SourcePhoto || res.AnalysisFailed {
		t.Errorf("unexpected result: %+v", res)
	}
	m := res.Meal
	if m.FoodName != "비빔밥" || m.Calories != 560 {
		t.Errorf("expected analysis applied, got %+v", m)
	}
	want := env.store.URL(blobstore.MealImageKey(pid, fixedNow, "image/jpeg"))
	if m.ImageURL != want {
		t.Errorf("expected image url %q, got %q", want, m.ImageURL)
	}
	// no EXIF: the capture date falls back to the upload time
	if !m.Date.Equal(fixedNow) || !m.UploadedAt.Equal(fixedNow) {
		t.Errorf("expected date and uploaded_at at now, got %v / %v", m.Date, m.UploadedAt)
	}
	if env.store.Len() != 1 || env.analyzer.images != 1 {
		t.Errorf("expected one stored image and one analysis call")
	}
}

func TestAddPhotoMeal_AnalysisFailureStillSaved(t *testing.T) {
	env := newTestEnv()
	env.analyzer.result = gemini.Analysis{FoodName: gemini.FailedFoodName, Analysis: "분석 실패", Failed: true}
	pid := env.repo.addPatient()

	res, err := env.svc.AddPhotoMeal(context.Background(), pid, jpegBytes, "image/jpeg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.AnalysisFailed {
		t.Error("expected analysis_failed to be set")
	}
	if _, err := env.repo.GetMeal(context.Background(), pid, res.Meal.ID); err != nil {
		t.Errorf("expected meal persisted, got %v", err)
	}
}

func TestAddPhotoMeal_KeyCollisionRetries(t *testing.T) {
	env := newTestEnv()
	pid := env.repo.addPatient()
	ctx := context.Background()

	first, err := env.svc.AddPhotoMeal(ctx, pid, jpegBytes, "image/jpeg")
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	second, err := env.svc.AddPhotoMeal(ctx, pid, jpegBytes, "image/jpeg")
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if first.Meal.ImageURL == second.Meal.ImageURL {
		t.Error("expected distinct image urls")
	}
	if env.store.Len() != 2 {
		t.Errorf("expected 2 stored images, got %d", env.store.Len())
	}
}

func TestAddPhotoMeal_RejectedUpload(t *testing.T) {
	env := newTestEnv()
	pid := env.repo.addPatient()
	ctx := context.Background()

	_, err := env.svc.AddPhotoMeal(ctx, pid, jpegBytes, "application/pdf")
	if !errors.Is(err, blobstore.ErrInvalidContentType) || !errors.Is(err, ErrImageUpload) {
		t.Errorf("expected wrapped ErrInvalidContentType, got %v", err)
	}

	_, err = env.svc.AddPhotoMeal(ctx, pid, make([]byte, 2048), "image/png")
	if !errors.Is(err, blobstore.ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
	if env.analyzer.images != 0 {
		t.Error("expected no analysis for rejected uploads")
	}
}

func TestAddPhotoMeal_InsertFailureRemovesImage(t *testing.T) {
	env := newTestEnv()
	env.repo.failCreate = errors.New("connection reset")
	pid := env.repo.addPatient()

	_, err := env.svc.AddPhotoMeal(context.Background(), pid, jpegBytes, "image/jpeg")
	if err == nil {
		t.Fatal("expected error")
	}
	if env.store.Len() != 0 {
		t.Errorf("expected uploaded image to be removed, %d left", env.store.Len())
	}
}

// -- Text meals --

func TestAddTextMeal(t *testing.T) {
	env := newTestEnv()
	pid := env.repo.addPatient()

	res, err := env.svc.AddTextMeal(context.Background(), pid, "  김치찌개 한 그릇  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != SourceText || res.Meal.ImageURL != PlaceholderImageURL {
		t.Errorf("unexpected result: %+v", res.Meal)
	}
	if len(env.analyzer.texts) != 1 || env.analyzer.texts[0] != "김치찌개 한 그릇" {
		t.Errorf("expected trimmed text analyzed, got %v", env.analyzer.texts)
	}
	if env.store.Len() != 0 {
		t.Error("expected no stored image")
	}
}

func TestAddTextMeal_Empty(t *testing.T) {
	env := newTestEnv()
	_, err := env.svc.AddTextMeal(context.Background(), uuid.New(), "   ")
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

// -- Manual meals --

func TestAddManualMeal_EstimatesWhenCaloriesOmitted(t *testing.T) {
	env := newTestEnv()
	pid := env.repo.addPatient()

	res, err := env.svc.AddManualMeal(context.Background(), pid, ManualMeal{FoodName: "떡볶이"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Meal.Calories != 320 {
		t.Errorf("expected estimated 320 kcal, got %d", res.Meal.Calories)
	}
	if len(env.analyzer.estimates) != 1 || env.analyzer.estimates[0] != "떡볶이" {
		t.Errorf("expected one estimate call, got %v", env.analyzer.estimates)
	}
	if res.Meal.ImageURL != PlaceholderImageURL {
		t.Errorf("expected placeholder image, got %q", res.Meal.ImageURL)
	}
}

func TestAddManualMeal_ExplicitCaloriesAndDate(t *testing.T) {
	env := newTestEnv()
	pid := env.repo.addPatient()
	when := time.Date(2026, 3, 13, 19, 0, 0, 0, seoul)

	res, err := env.svc.AddManualMeal(context.Background(), pid, ManualMeal{
		FoodName: "샐러드",
		Calories: lo.ToPtr(0),
		Date:     &when,
		Analysis: "드레싱 없음",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Meal.Calories != 0 || !res.Meal.Date.Equal(when) {
		t.Errorf("unexpected meal: %+v", res.Meal)
	}
	if len(env.analyzer.estimates) != 0 {
		t.Error("expected no estimate when calories given")
	}
}

func TestAddManualMeal_WithImage(t *testing.T) {
	env := newTestEnv()
	pid := env.repo.addPatient()

	res, err := env.svc.AddManualMeal(context.Background(), pid, ManualMeal{
		FoodName:    "라면",
		Calories:    lo.ToPtr(500),
		Image:       jpegBytes,
		ContentType: "image/jpg",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Meal.ImageURL == PlaceholderImageURL || env.store.Len() != 1 {
		t.Errorf("expected uploaded image, got %q", res.Meal.ImageURL)
	}
	if env.analyzer.images != 0 {
		t.Error("expected manual image not to be classified")
	}
}

func TestAddManualMeal_Invalid(t *testing.T) {
	env := newTestEnv()
	pid := env.repo.addPatient()

	cases := []struct {
		name string
		in   ManualMeal
	}{
		{"blank name", ManualMeal{FoodName: "  "}},
		{"negative calories", ManualMeal{FoodName: "밥", Calories: lo.ToPtr(-1)}},
		{"huge calories", ManualMeal{FoodName: "밥", Calories: lo.ToPtr(20001)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.AddManualMeal(context.Background(), pid, tc.in)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

// -- Day summary --

func TestDay_TotalsOnlyThatDay(t *testing.T) {
	env := newTestEnv()
	pid := env.repo.addPatient()
	ctx := context.Background()

	add := func(at time.Time, kcal int) {
		t.Helper()
		if _, err := env.svc.AddManualMeal(ctx, pid, ManualMeal{FoodName: "식사", Calories: lo.ToPtr(kcal), Date: &at}); err != nil {
			t.Fatalf("add meal: %v", err)
		}
	}
	add(time.Date(2026, 3, 14, 0, 0, 0, 0, seoul), 300)
	add(time.Date(2026, 3, 14, 23, 59, 0, 0, seoul), 450)
	add(time.Date(2026, 3, 13, 23, 59, 0, 0, seoul), 999)
	add(time.Date(2026, 3, 15, 0, 0, 0, 0, seoul), 999)
	// 2026-03-14 10:00 in Seoul
	add(time.Date(2026, 3, 14, 1, 0, 0, 0, time.UTC), 250)

	sum, err := env.svc.Day(ctx, pid, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Date != "2026-03-14" {
		t.Errorf("expected date 2026-03-14, got %s", sum.Date)
	}
	if len(sum.Meals) != 3 || sum.TotalCalories != 1000 {
		t.Errorf("expected 3 meals totalling 1000, got %d / %d", len(sum.Meals), sum.TotalCalories)
	}

	sum, err = env.svc.Day(ctx, pid, "2026-03-13")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.TotalCalories != 999 {
		t.Errorf("expected 999 for previous day, got %d", sum.TotalCalories)
	}
}

func TestDay_Empty(t *testing.T) {
	env := newTestEnv()
	sum, err := env.svc.Day(context.Background(), uuid.New(), "2026-01-01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Meals == nil || sum.TotalCalories != 0 {
		t.Errorf("expected empty summary, got %+v", sum)
	}
}

func TestDay_BadDate(t *testing.T) {
	env := newTestEnv()
	_, err := env.svc.Day(context.Background(), uuid.New(), "yesterday")
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

// -- Corrections --

func TestUpdateMeal(t *testing.T) {
	env := newTestEnv()
	pid := env.repo.addPatient()
	ctx := context.Background()

	res, err := env.svc.AddTextMeal(ctx, pid, "불고기")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	name := "  제육볶음 "
	m, err := env.svc.UpdateMeal(ctx, pid, res.Meal.ID, MealUpdate{FoodName: &name, Calories: lo.ToPtr(610)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.FoodName != "제육볶음" || m.Calories != 610 || m.Analysis != res.Meal.Analysis {
		t.Errorf("unexpected meal after update: %+v", m)
	}
}

func TestUpdateMeal_Errors(t *testing.T) {
	env := newTestEnv()
	pid := env.repo.addPatient()
	ctx := context.Background()

	res, err := env.svc.AddTextMeal(ctx, pid, "불고기")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := env.svc.UpdateMeal(ctx, pid, res.Meal.ID, MealUpdate{}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty update: expected ErrInvalidInput, got %v", err)
	}
	if _, err := env.svc.UpdateMeal(ctx, uuid.New(), res.Meal.ID, MealUpdate{Calories: lo.ToPtr(1)}); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign patient: expected ErrNotFound, got %v", err)
	}
}

func TestDeleteMeal(t *testing.T) {
	env := newTestEnv()
	pid := env.repo.addPatient()
	ctx := context.Background()

	res, err := env.svc.AddTextMeal(ctx, pid, "불고기")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := env.svc.DeleteMeal(ctx, uuid.New(), res.Meal.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign patient: expected ErrNotFound, got %v", err)
	}
	if err := env.svc.DeleteMeal(ctx, pid, res.Meal.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.svc.DeleteMeal(ctx, pid, res.Meal.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}
