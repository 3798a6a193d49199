// internal/validation/validation.go
package validation

import (
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"oracle-dashboard/internal/models"
)

var validate *validator.Validate
var currencyCodeRegex = regexp.MustCompile(`^[A-Za-z0-9]{2,12}$`)

func init() {
	validate = validator.New()
	validate.RegisterValidation("billing_cycle", validateBillingCycle)
	validate.RegisterValidation("payment_method", validatePaymentMethod)
	validate.RegisterValidation("pay_currency", validatePayCurrency)

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

func ValidateStruct(data any) url.Values {
	err := validate.Struct(data)
	if err != nil {
		return formatValidationErrors(err)
	}
	return nil
}

func formatValidationErrors(err error) url.Values {
	errorsMap := url.Values{}
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		for _, fieldErr := range validationErrs {
			errorsMap.Add(fieldErr.Field(), getErrorMessage(fieldErr))
		}
	} else {
		errorsMap.Add("general", "Ошибка валидации: "+err.Error())
	}
	return errorsMap
}

func getErrorMessage(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return "Это поле обязательно для заполнения."
	case "required_without":
		return fmt.Sprintf("Укажите это поле или %s.", err.Param())
	case "excluded_with":
		return fmt.Sprintf("Нельзя указывать вместе с %s.", err.Param())
	case "max":
		return fmt.Sprintf("Максимальная длина этого поля: %s символов.", err.Param())
	case "oneof":
		return fmt.Sprintf("Выберите одно из допустимых значений: %s.", err.Param())
	case "billing_cycle":
		return "Период оплаты должен быть monthly или annual."
	case "payment_method":
		return "Способ оплаты должен быть crypto или card."
	case "pay_currency":
		return "Некорректный код валюты."
	default:
		return fmt.Sprintf("Некорректное значение для поля %s (тег: %s).", err.Field(), err.Tag())
	}
}

func validateBillingCycle(fl validator.FieldLevel) bool {
	v := fl.Field().String()
	return v == "" || models.BillingCycle(v).Valid()
}

func validatePaymentMethod(fl validator.FieldLevel) bool {
	return models.PaymentMethod(fl.Field().String()).Valid()
}

func validatePayCurrency(fl validator.FieldLevel) bool {
	v := fl.Field().String()
	return v == "" || currencyCodeRegex.MatchString(v)
}
