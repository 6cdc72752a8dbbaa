package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"
)

const (
	FailedFoodName   = "분석 실패"
	ImageFailedText  = "이미지를 분석할 수 없습니다. 다시 시도해주세요."
	TextFailedText   = "텍스트를 분석할 수 없습니다. 다시 시도해주세요."
	DefaultImageMIME = "image/jpeg"

	// MaxCalories bounds any single meal estimate the model may return.
	MaxCalories = 20000

	imagePrompt    = "이 음식 사진을 분석해주세요. 음식 이름, 추정 칼로리, 그리고 다이어트 환자를 위한 짧은 영양학적 조언(analysis)을 한국어로 제공해주세요."
	textPrompt     = "다음 음식 내용을 분석해주세요: \"%s\". 음식 이름(foodName), 총 추정 칼로리(calories, 숫자만), 그리고 다이어트 환자를 위한 짧은 영양학적 조언(analysis)을 한국어로 제공해주세요. 만약 입력된 텍스트가 음식이 아니라면 calories는 0으로, analysis는 '음식 정보를 정확히 입력해주세요'라고 응답하세요."
	estimatePrompt = "\"%s\"의 1인분 기준 예상 칼로리를 숫자로만 알려주세요. 일반적인 한국 음식점/가정식 기준으로 추정해주세요. 예: 김치찌개 -> 300, 삼겹살 1인분 -> 550"
)

var analysisSchema = MustSchema(`{
  "type": "OBJECT",
  "properties": {
    "foodName": {"type": "STRING", "description": "음식의 이름"},
    "calories": {"type": "NUMBER", "description": "추정 칼로리 (숫자만)"},
    "analysis": {"type": "STRING", "description": "영양 성분 분석 및 다이어트 조언 (한 문장)"}
  },
  "required": ["foodName", "calories", "analysis"]
}`, `{
  "type": "object",
  "properties": {
    "foodName": {"type": "string", "pattern": "\\S"},
    "calories": {"type": "number", "minimum": 0, "maximum": 20000},
    "analysis": {"type": "string"}
  },
  "required": ["foodName", "calories", "analysis"]
}`)

var estimateSchema = MustSchema(`{
  "type": "OBJECT",
  "properties": {
    "calories": {"type": "NUMBER", "description": "추정 칼로리 (숫자만)"}
  },
  "required": ["calories"]
}`, `{
  "type": "object",
  "properties": {
    "calories": {"type": "number", "minimum": 0, "maximum": 20000}
  },
  "required": ["calories"]
}`)

// ErrImplausible marks a reply that parsed but cannot describe a meal.
var ErrImplausible = errors.New("gemini: implausible analysis")

// Analysis is a food classification. Failed marks the fixed failure payload.
type Analysis struct {
	FoodName string `json:"foodName"`
	Calories int    `json:"calories"`
	Analysis string `json:"analysis"`
	Failed   bool   `json:"analysis_failed,omitempty"`
}

func failure(msg string) Analysis {
	return Analysis{FoodName: FailedFoodName, Calories: 0, Analysis: msg, Failed: true}
}

// Generator is the model boundary the Analyzer talks to.
type Generator interface {
	Generate(ctx context.Context, schema *Schema, parts ...Part) ([]byte, error)
}

// Analyzer turns images, free text and food names into nutrition estimates.
// It never returns an error: every failure degrades to the fixed payload.
type Analyzer struct {
	gen    Generator
	logger zerolog.Logger
}

func NewAnalyzer(gen Generator, logger zerolog.Logger) *Analyzer {
	return &Analyzer{gen: gen, logger: logger.With().Str("component", "food_analyzer").Logger()}
}

func (a *Analyzer) AnalyzeImage(ctx context.Context, image []byte, mimeType string) Analysis {
	if len(image) == 0 {
		return failure(ImageFailedText)
	}
	if mimeType == "" {
		mimeType = DefaultImageMIME
	}
	out, err := a.classify(ctx, imagePart(mimeType, image), textPart(imagePrompt))
	if err != nil {
		a.logger.Warn().Err(err).Int("bytes", len(image)).Msg("image analysis failed")
		return failure(ImageFailedText)
	}
	return out
}

func (a *Analyzer) AnalyzeText(ctx context.Context, text string) Analysis {
	text = strings.TrimSpace(text)
	if text == "" {
		return failure(TextFailedText)
	}
	out, err := a.classify(ctx, textPart(fmt.Sprintf(textPrompt, text)))
	if err != nil {
		a.logger.Warn().Err(err).Msg("text analysis failed")
		return failure(TextFailedText)
	}
	return out
}

// EstimateCalories returns the per-serving estimate for foodName, or 0.
func (a *Analyzer) EstimateCalories(ctx context.Context, foodName string) int {
	foodName = strings.TrimSpace(foodName)
	if foodName == "" {
		return 0
	}
	raw, err := a.gen.Generate(ctx, estimateSchema, textPart(fmt.Sprintf(estimatePrompt, foodName)))
	if err != nil {
		a.logger.Warn().Err(err).Str("food_name", foodName).Msg("calorie estimate failed")
		return 0
	}
	var out struct {
		Calories float64 `json:"calories"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		a.logger.Warn().Err(err).Msg("calorie estimate decode failed")
		return 0
	}
	if out.Calories > MaxCalories {
		a.logger.Warn().Float64("calories", out.Calories).Str("food_name", foodName).Msg("calorie estimate out of range")
		return 0
	}
	return roundCalories(out.Calories)
}

func (a *Analyzer) classify(ctx context.Context, parts ...Part) (Analysis, error) {
	raw, err := a.gen.Generate(ctx, analysisSchema, parts...)
	if err != nil {
		return Analysis{}, err
	}
	var out struct {
		FoodName string  `json:"foodName"`
		Calories float64 `json:"calories"`
		Analysis string  `json:"analysis"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return Analysis{}, fmt.Errorf("decode analysis: %w", err)
	}
	name := strings.TrimSpace(out.FoodName)
	if name == "" {
		return Analysis{}, fmt.Errorf("%w: empty food name", ErrImplausible)
	}
	if out.Calories < 0 || out.Calories > MaxCalories || math.IsNaN(out.Calories) {
		return Analysis{}, fmt.Errorf("%w: calories %v", ErrImplausible, out.Calories)
	}
	return Analysis{
		FoodName: name,
		Calories: roundCalories(out.Calories),
		Analysis: strings.TrimSpace(out.Analysis),
	}, nil
}

func roundCalories(v float64) int {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return int(math.Round(v))
}
