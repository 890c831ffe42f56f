package application

import (
	"errors"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/c66w/business-cooperation-sub000/apperr"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 \-]*$`)

// requiredFields lists the dynamic fields every merchant type must supply.
var requiredFields = map[MerchantType][]string{
	MerchantFactory:  {"factory_address", "production_capacity"},
	MerchantBrand:    {"brand_name", "trademark_number"},
	MerchantAgent:    {"agency_region", "represented_brands"},
	MerchantDealer:   {"dealer_region", "sales_channels"},
	MerchantOperator: {"operated_platforms", "operation_experience"},
}

// recommendedFields are optional fields that raise the validation score.
var recommendedFields = map[MerchantType][]string{
	MerchantFactory:  {"certifications"},
	MerchantBrand:    {"brand_story"},
	MerchantAgent:    {"agency_years"},
	MerchantDealer:   {"store_count"},
	MerchantOperator: {"monthly_gmv"},
}

type baseForm struct {
	UserID       string `json:"userId" validate:"required"`
	CompanyName  string `json:"companyName" validate:"required,min=2,max=200"`
	MerchantType string `json:"merchantType" validate:"required,oneof=factory brand agent dealer operator"`
	ContactName  string `json:"contactName" validate:"required,max=100"`
	ContactPhone string `json:"contactPhone" validate:"required,phone"`
}

type documentForm struct {
	DocumentType string `json:"documentType" validate:"required,max=64"`
	FileName     string `json:"fileName" validate:"required,max=255"`
}

// Validator checks submissions. It is safe for concurrent use.
type Validator struct {
	v *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("phone", validPhone)
	return &Validator{v: v}
}

func validPhone(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if !phonePattern.MatchString(s) {
		return false
	}
	digits := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 7 && digits <= 20
}

// ValidateSubmission checks the base record, the type-specific fields and the
// document metadata. All problems are collected into one ValidationError.
func (v *Validator) ValidateSubmission(params SubmitParams) error {
	problems := map[string]string{}
	v.collect(baseForm{
		UserID:       strings.TrimSpace(params.UserID),
		CompanyName:  strings.TrimSpace(params.CompanyName),
		MerchantType: string(params.MerchantType),
		ContactName:  strings.TrimSpace(params.ContactName),
		ContactPhone: strings.TrimSpace(params.ContactPhone),
	}, "", problems)

	if _, ok := problems["merchantType"]; !ok {
		for _, name := range MissingFields(params.MerchantType, params.Fields) {
			problems["fields."+name] = "required for " + string(params.MerchantType)
		}
	}
	v.collectDocuments(params.Documents, problems)

	if len(problems) > 0 {
		return &apperr.ValidationError{Fields: problems}
	}
	return nil
}

// ValidateResubmission checks a resubmission against the merchant type already
// on record.
func (v *Validator) ValidateResubmission(mt MerchantType, params ResubmitParams) error {
	return v.ValidateSubmission(SubmitParams{
		UserID:       params.UserID,
		CompanyName:  params.CompanyName,
		MerchantType: mt,
		ContactName:  params.ContactName,
		ContactPhone: params.ContactPhone,
		Fields:       params.Fields,
		Documents:    params.Documents,
	})
}

func (v *Validator) collectDocuments(docs []DocumentUpload, problems map[string]string) {
	for i, doc := range docs {
		prefix := "documents[" + strconv.Itoa(i) + "]."
		v.collect(documentForm{DocumentType: doc.DocumentType, FileName: doc.FileName}, prefix, problems)
	}
}

func (v *Validator) collect(form any, prefix string, problems map[string]string) {
	err := v.v.Struct(form)
	if err == nil {
		return
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		problems[prefix+"_"] = err.Error()
		return
	}
	for _, fe := range verrs {
		problems[prefix+fe.Field()] = reason(fe)
	}
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of " + fe.Param()
	case "phone":
		return "must be a phone number of 7 to 20 digits"
	}
	return "is invalid"
}

// MissingFields returns the required dynamic fields for mt that are absent or
// blank in fields.
func MissingFields(mt MerchantType, fields map[string]string) []string {
	var missing []string
	for _, name := range requiredFields[mt] {
		if strings.TrimSpace(fields[name]) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// Score rates completeness in the range 0..100: 60 for a valid submission,
// 10 per document up to 30, and 10 when every recommended field is present.
func Score(mt MerchantType, fields map[string]string, documents int) int {
	score := 60
	bonus := documents * 10
	if bonus > 30 {
		bonus = 30
	}
	score += bonus

	recommended := recommendedFields[mt]
	complete := len(recommended) > 0
	for _, name := range recommended {
		if strings.TrimSpace(fields[name]) == "" {
			complete = false
			break
		}
	}
	if complete {
		score += 10
	}
	if score > 100 {
		score = 100
	}
	return score
}

// KnownFields returns every dynamic field name any merchant type uses, sorted.
func KnownFields() []string {
	seen := map[string]bool{}
	var out []string
	for _, set := range []map[MerchantType][]string{requiredFields, recommendedFields} {
		for _, names := range set {
			for _, name := range names {
				if !seen[name] {
					seen[name] = true
					out = append(out, name)
				}
			}
		}
	}
	sort.Strings(out)
	return out
}
