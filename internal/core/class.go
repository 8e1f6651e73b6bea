package core

import (
	"strings"
	"time"
)

// EndpointClass is a coarse category of routes sharing one rate-limit policy.
type EndpointClass string

const (
	ClassAuth             EndpointClass = "auth"
	ClassFinancial        EndpointClass = "financial"
	ClassHealthCheckin    EndpointClass = "health-checkin"
	ClassLeadMagnet       EndpointClass = "lead-magnet"
	ClassReportGeneration EndpointClass = "report-generation"
	ClassGeneral          EndpointClass = "general"
)

// AllClasses lists every endpoint class in match priority order.
var AllClasses = []EndpointClass{
	ClassAuth, ClassFinancial, ClassHealthCheckin,
	ClassLeadMagnet, ClassReportGeneration, ClassGeneral,
}

// classMarkers is checked in AllClasses order; the first class with a marker
// contained in the route wins.
var classMarkers = map[EndpointClass][]string{
	ClassAuth:             {"auth", "login", "2fa", "otp", "password"},
	ClassFinancial:        {"plaid", "bank", "financial", "transaction", "account"},
	ClassHealthCheckin:    {"health-checkin", "checkin", "check-in"},
	ClassLeadMagnet:       {"lead", "magnet"},
	ClassReportGeneration: {"report", "export"},
}

// ClassifyRoute derives the endpoint class from a route by case-insensitive
// substring match. Unmatched routes are general.
func ClassifyRoute(route string) EndpointClass {
	r := strings.ToLower(route)
	for _, class := range AllClasses {
		for _, marker := range classMarkers[class] {
			if strings.Contains(r, marker) {
				return class
			}
		}
	}
	return ClassGeneral
}

// DefaultClassLimits returns the built-in (max, window, burst) table.
func DefaultClassLimits() map[EndpointClass]ClassLimit {
	return map[EndpointClass]ClassLimit{
		ClassAuth:             {MaxRequests: 5, Window: time.Minute, Burst: 2},
		ClassFinancial:        {MaxRequests: 30, Window: time.Minute, Burst: 10},
		ClassHealthCheckin:    {MaxRequests: 10, Window: time.Hour, Burst: 3},
		ClassLeadMagnet:       {MaxRequests: 3, Window: time.Hour, Burst: 1},
		ClassReportGeneration: {MaxRequests: 5, Window: time.Hour, Burst: 2},
		ClassGeneral:          {MaxRequests: 100, Window: time.Hour, Burst: 20},
	}
}
