package logbook

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("log entry not found")
	ErrInvalidInput = errors.New("invalid log input")
	ErrImageUpload  = errors.New("meal image upload failed")
)

// DateLayout is the calendar-date wire format.
const DateLayout = "2006-01-02"

// PlaceholderImageURL is stored on meals that were entered without a photo.
const PlaceholderImageURL = "https://images.unsplash.com/photo-1498837167922-ddd27525d352?q=80&w=400&auto=format&fit=crop"

// WeightLog is one weight observation. Append-only.
type WeightLog struct {
	ID        uuid.UUID `json:"id"`
	PatientID uuid.UUID `json:"patient_id"`
	Date      time.Time `json:"-"`
	Weight    float64   `json:"weight"`
	CreatedAt time.Time `json:"created_at"`
}

func (w WeightLog) MarshalJSON() ([]byte, error) {
	type alias WeightLog
	return json.Marshal(struct {
		alias
		Date string `json:"date"`
	}{alias: alias(w), Date: w.Date.Format(DateLayout)})
}

// MealSource records which creation path produced a meal.
type MealSource string

const (
	SourcePhoto  MealSource = "photo"
	SourceText   MealSource = "text"
	SourceManual MealSource = "manual"
)

// MealLog is one food entry. Date is the capture time; UploadedAt is when
// the server received it.
type MealLog struct {
	ID         uuid.UUID `json:"id"`
	PatientID  uuid.UUID `json:"patient_id"`
	Date       time.Time `json:"date"`
	UploadedAt time.Time `json:"uploaded_at"`
	ImageURL   string    `json:"image_url"`
	FoodName   string    `json:"food_name"`
	Calories   int       `json:"calories"`
	Analysis   string    `json:"analysis"`
}

// MealUpdate is a partial correction. Nil fields are left unchanged.
type MealUpdate struct {
	Date     *time.Time
	FoodName *string
	Calories *int
	Analysis *string
}

func (u MealUpdate) Empty() bool {
	return u.Date == nil && u.FoodName == nil && u.Calories == nil && u.Analysis == nil
}

// DailySummary is the meal list for one calendar day in the patient's zone.
type DailySummary struct {
	Date          string     `json:"date"`
	Meals         []*MealLog `json:"meals"`
	TotalCalories int        `json:"total_calories"`
}

// MealResult is returned from the create paths. AnalysisFailed tells the
// client to open manual correction.
type MealResult struct {
	Meal           *MealLog   `json:"meal"`
	Source         MealSource `json:"source"`
	AnalysisFailed bool       `json:"analysis_failed"`
}

// ParseDate parses a YYYY-MM-DD calendar date in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, loc)
}

// DayBounds returns [start, end) of the calendar day containing t in loc.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	t = t.In(loc)
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
