// internal/service/template_service.go
package service

import (
	"regexp"
	"strings"

	"github.com/unclebandit/outreach-sequencer/internal/model"
)

var fallbackPlaceholder = regexp.MustCompile(`\{(\w+)\|([^}]+)\}`)

// RenderTemplate substitutes {key} with data[key]. {key|fallback} uses the
// fallback text when the value is missing or empty.
func RenderTemplate(template string, data map[string]string) string {
	result := fallbackPlaceholder.ReplaceAllStringFunc(template, func(m string) string {
		parts := fallbackPlaceholder.FindStringSubmatch(m)
		if v := data[parts[1]]; v != "" {
			return v
		}
		return parts[2]
	})
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

// LeadTemplateData is every placeholder a step template may reference.
func LeadTemplateData(lead *model.Lead) map[string]string {
	opener := lead.PersonalizedOpener
	if opener == "" && lead.Company != "" {
		opener = "I came across " + lead.Company + " and wanted to reach out."
	}

	fullName := ""
	if lead.FirstName != "" || lead.LastName != "" {
		fullName = lead.FullName()
	}

	return map[string]string{
		"firstName":          lead.FirstName,
		"first_name":         lead.FirstName,
		"lastName":           lead.LastName,
		"last_name":          lead.LastName,
		"fullName":           fullName,
		"full_name":          fullName,
		"email":              lead.Email,
		"company":            lead.Company,
		"website":            lead.Website,
		"personalizedOpener": opener,
		"opener":             opener,
		"industry":           lead.Industry,
		"title":              lead.Title,
		"jobTitle":           lead.Title,
	}
}

type RenderedStep struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func RenderStep(step *model.SequenceStep, lead *model.Lead) RenderedStep {
	data := LeadTemplateData(lead)
	return RenderedStep{
		Subject: RenderTemplate(step.SubjectTemplate, data),
		Body:    RenderTemplate(step.BodyTemplate, data),
	}
}
