// Package validation plugs go-playground/validator into echo's Validator hook
// and renders field errors as Korean messages.
package validation

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

var phonePattern = regexp.MustCompile(`^[0-9+\-\s]{7,20}$`)

// fieldLabels maps json field names to user-facing labels.
var fieldLabels = map[string]string{
	"name":          "이름",
	"phone_number":  "전화번호",
	"birthdate":     "생년월일",
	"age":           "나이",
	"start_weight":  "시작 체중",
	"target_weight": "목표 체중",
	"weight":        "체중",
	"date":          "날짜",
	"food_name":     "음식 이름",
	"calories":      "칼로리",
	"text":          "음식 설명",
	"access_token":  "카카오 토큰",
	"password":      "비밀번호",
}

type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("ymd", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		_, err := time.Parse("2006-01-02", s)
		return err == nil
	})
	v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	})
	return &Validator{v: v}
}

// Validate implements echo.Validator.
func (cv *Validator) Validate(i interface{}) error {
	err := cv.v.Struct(i)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return echo.NewHTTPError(http.StatusBadRequest, "요청 형식이 올바르지 않습니다.")
	}
	return echo.NewHTTPError(http.StatusBadRequest, message(verrs[0]))
}

func message(fe validator.FieldError) string {
	label, ok := fieldLabels[fe.Field()]
	if !ok {
		label = fe.Field()
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s을(를) 입력해주세요.", label)
	case "ymd":
		return fmt.Sprintf("%s은(는) YYYY-MM-DD 형식이어야 합니다.", label)
	case "phone":
		return "전화번호 형식이 올바르지 않습니다."
	default:
		return fmt.Sprintf("%s 값이 올바르지 않습니다.", label)
	}
}

// BindAndValidate binds the request body into dst and runs the registered validator.
func BindAndValidate(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "요청 형식이 올바르지 않습니다.")
	}
	return c.Validate(dst)
}
