package models

import (
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	enTranslations "github.com/go-playground/validator/v10/translations/en"
	"github.com/leebenson/conform"
	errs "github.com/techagentng/expertchat/errors"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
	trans        ut.Translator
)

func validatorInstance() (*validator.Validate, ut.Translator) {
	validateOnce.Do(func() {
		english := en.New()
		uni := ut.New(english, english)
		trans, _ = uni.GetTranslator("en")
		validate = validator.New()
		validate.RegisterTagNameFunc(jsonFieldName)
		if err := enTranslations.RegisterDefaultTranslations(validate, trans); err != nil {
			panic(err)
		}
		// Message bodies keep their whitespace, so blankness is checked without trimming.
		if err := validate.RegisterValidation("notblank", validators.NotBlank); err != nil {
			panic(err)
		}
		if err := validate.RegisterTranslation("notblank", trans, func(t ut.Translator) error {
			return t.Add("notblank", "{0} must not be blank", true)
		}, func(t ut.Translator, fe validator.FieldError) string {
			msg, _ := t.T("notblank", fe.Field())
			return msg
		}); err != nil {
			panic(err)
		}
	})
	return validate, trans
}

// Normalize trims the string fields tagged with conform and validates the struct,
// returning a ValidationError whose message lists every failed field.
func Normalize(data interface{}) error {
	if err := validateWhiteSpaces(data); err != nil {
		return errs.Validation("invalid payload: %v", err)
	}
	return ValidateStruct(data)
}

// ValidateStruct runs the `validate` tags of data.
func ValidateStruct(data interface{}) error {
	v, t := validatorInstance()
	err := v.Struct(data)
	if err == nil {
		return nil
	}
	validatorErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return errs.Validation("invalid payload: %v", err)
	}
	return errs.Validation("%s", strings.Join(translateError(validatorErrs, t), "; "))
}

func validateWhiteSpaces(data interface{}) error {
	return conform.Strings(data)
}

func translateError(validatorErrs validator.ValidationErrors, t ut.Translator) []string {
	messages := make([]string, 0, len(validatorErrs))
	for _, e := range validatorErrs {
		messages = append(messages, e.Translate(t))
	}
	return messages
}

func jsonFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	switch name {
	case "-":
		return ""
	case "":
		return fld.Name
	}
	return name
}
