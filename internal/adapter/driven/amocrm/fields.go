package amocrm

import "github.com/ericfisherdev/leadbridge/internal/domain/model"

// FieldIDs maps local attributes to amoCRM custom field ids. They are
// account-specific and configured on the amoCRM side.
type FieldIDs struct {
	Phone       int64
	Email       int64
	UTMSource   int64
	UTMMedium   int64
	UTMCampaign int64
	UTMContent  int64
	UTMTerm     int64
}

// DefaultFieldIDs returns the field ids of the production account.
func DefaultFieldIDs() FieldIDs {
	return FieldIDs{
		Phone:       123456,
		Email:       123457,
		UTMSource:   123458,
		UTMMedium:   123459,
		UTMCampaign: 123460,
		UTMContent:  123461,
		UTMTerm:     123462,
	}
}

type fieldValue struct {
	Value    string `json:"value"`
	EnumCode string `json:"enum_code,omitempty"`
}

type customField struct {
	FieldID int64        `json:"field_id"`
	Values  []fieldValue `json:"values"`
}

func (f FieldIDs) contactFields(phone, email string) []customField {
	var out []customField
	if phone != "" {
		out = append(out, customField{FieldID: f.Phone, Values: []fieldValue{{Value: phone, EnumCode: "WORK"}}})
	}
	if email != "" {
		out = append(out, customField{FieldID: f.Email, Values: []fieldValue{{Value: email, EnumCode: "WORK"}}})
	}
	return out
}

func (f FieldIDs) utmFields(utm model.UTM) []customField {
	pairs := []struct {
		id    int64
		value string
	}{
		{f.UTMSource, utm.Source},
		{f.UTMMedium, utm.Medium},
		{f.UTMCampaign, utm.Campaign},
		{f.UTMContent, utm.Content},
		{f.UTMTerm, utm.Term},
	}

	var out []customField
	for _, p := range pairs {
		if p.value == "" || p.id == 0 {
			continue
		}
		out = append(out, customField{FieldID: p.id, Values: []fieldValue{{Value: p.value}}})
	}
	return out
}
