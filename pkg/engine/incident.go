package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/polis-incident/pkg/diagnostics"
	"github.com/polisai/polis-incident/pkg/domain"
	"github.com/polisai/polis-incident/pkg/scenario"
	"github.com/polisai/polis-incident/pkg/telemetry"
)

// DefaultIncidentContext labels incidents triggered without a hint.
const DefaultIncidentContext = "Production Incident - SRE Investigation"

const defaultDashboard = "https://portal.azure.com/#blade/AppInsightsExtension/FailuresBlade"

// incidentProfiles carry the SRE overlay for scenarios that are usually triggered
// by hand. Other scenarios get a profile derived from their properties.
var incidentProfiles = map[string]diagnostics.Incident{
	scenario.ConnectionPoolExhausted: {
		RootCauseCategory: "Database Connectivity",
		CustomerImpact:    "Service unavailable for text analysis",
		BusinessFunction:  "Text Recognition Service",
		AffectedUsers:     3285,
		SuggestedFix:      "Recycle the connection pool and scale out the SQL database tier.",
		RunbookLink:       "https://wiki.company.com/sre/runbooks/connection-pool-exhaustion",
		EscalationPath:    "Platform Team -> Database Team",
		DashboardLink:     defaultDashboard,
		AlertTriggered:    "DatabaseConnectionPoolExhausted",
	},
	scenario.OutOfMemory: {
		RootCauseCategory: "Resource Exhaustion",
		CustomerImpact:    "Batch text analysis failing for large uploads",
		BusinessFunction:  "Image Processing Pipeline",
		AffectedUsers:     1240,
		SuggestedFix:      "Cap batch size and stream images instead of buffering the whole batch.",
		RunbookLink:       "https://wiki.company.com/sre/runbooks/out-of-memory",
		EscalationPath:    "Platform Team -> Imaging Team",
		DashboardLink:     defaultDashboard,
		AlertTriggered:    "HeapUsageCritical",
	},
	scenario.RateLimitExceeded: {
		RootCauseCategory: "External Service Limit",
		CustomerImpact:    "Intermittent OCR failures during peak traffic",
		BusinessFunction:  "Text Recognition Service",
		AffectedUsers:     512,
		RunbookLink:       "https://wiki.company.com/sre/runbooks/cognitive-services-quota",
		EscalationPath:    "Platform Team -> Vendor Management",
		DashboardLink:     defaultDashboard,
		AlertTriggered:    "CognitiveServicesThrottled",
	},
}

// IncidentOutcome is the caller-facing summary of a triggered incident. Record is
// the emitted record without its stack and origin frames.
type IncidentOutcome struct {
	Scenario               string                  `json:"scenario"`
	ErrorType              string                  `json:"error_type"`
	ErrorMessage           string                  `json:"error_message"`
	RootCauseCategory      string                  `json:"root_cause_category"`
	ImpactLevel            string                  `json:"impact_level"`
	EstimatedAffectedUsers int                     `json:"estimated_affected_users"`
	PotentialDataLoss      bool                    `json:"potential_data_loss"`
	SuggestedFix           string                  `json:"suggested_fix"`
	CorrelationID          string                  `json:"correlation_id"`
	OccurredAt             time.Time               `json:"occurred_at"`
	Record                 domain.DiagnosticRecord `json:"record"`
}

// TriggerIncident emits a critical incident record. An empty hint raises the
// connection pool exhaustion incident. A hint naming a scenario or a failure group
// selects it; any other hint labels the default incident.
func (s *Service) TriggerIncident(ctx context.Context, hint string) (IncidentOutcome, error) {
	sc, label, err := s.resolveIncident(strings.TrimSpace(hint))
	if err != nil {
		return IncidentOutcome{}, err
	}

	cc := s.generator.Begin("incident")
	profile := incidentProfile(sc)
	profile.Context = label

	rec := s.builder.BuildIncident(cc, sc, profile)
	s.emit(ctx, rec)

	s.logger.Error("production incident triggered",
		"correlation_id", cc.CorrelationID, "scenario", sc.Name, "context", label, "error_message", rec.Message)
	telemetry.RecordOutcome(ctx, telemetry.Outcome{FeatureID: "incident", Kind: outcomeFailure, Scenario: sc.Name})

	affected, _ := strconv.Atoi(rec.Properties.Value("estimatedAffectedUsers"))
	return IncidentOutcome{
		Scenario:               label,
		ErrorType:              sc.Name,
		ErrorMessage:           rec.Message,
		RootCauseCategory:      profile.RootCauseCategory,
		ImpactLevel:            impactLevel(sc),
		EstimatedAffectedUsers: affected,
		SuggestedFix:           rec.Properties.Value("suggestedFix"),
		CorrelationID:          cc.CorrelationID,
		OccurredAt:             cc.StartedAt.UTC(),
		Record:                 withoutStack(rec),
	}, nil
}

// withoutStack returns the caller-facing copy of rec. Stack traces stay in telemetry.
func withoutStack(rec domain.DiagnosticRecord) domain.DiagnosticRecord {
	rec.Stack = ""
	rec.Origin = nil
	return rec
}

func (s *Service) resolveIncident(hint string) (domain.ErrorScenario, string, error) {
	if hint != "" {
		if sc, ok := s.catalog.Lookup(hint); ok {
			return sc, hint, nil
		}
		if s.catalog.HasGroup(hint) {
			if sc, ok := s.selector.Pick(hint); ok {
				return sc, hint, nil
			}
		}
	}

	sc, ok := s.catalog.Lookup(scenario.ConnectionPoolExhausted)
	if !ok {
		return domain.ErrorScenario{}, "", fmt.Errorf("%w: %s", domain.ErrUnknownScenario, scenario.ConnectionPoolExhausted)
	}
	if hint == "" {
		hint = DefaultIncidentContext
	}
	return sc, hint, nil
}

func incidentProfile(sc domain.ErrorScenario) diagnostics.Incident {
	if p, ok := incidentProfiles[sc.Name]; ok {
		return p
	}
	category := sc.Properties["issueType"]
	if category == "" {
		category = sc.Group
	}
	return diagnostics.Incident{
		RootCauseCategory: category,
		CustomerImpact:    "Users unable to complete analysis",
		BusinessFunction:  "Image Analysis",
		AffectedUsers:     100,
		SuggestedFix:      "Investigate the failing component and roll back recent deployments.",
		RunbookLink:       "https://wiki.company.com/sre/runbooks/general-incident",
		EscalationPath:    "Platform Team",
		DashboardLink:     defaultDashboard,
		AlertTriggered:    "true",
	}
}

func impactLevel(sc domain.ErrorScenario) string {
	if v := sc.Properties["impactLevel"]; v != "" {
		return v
	}
	return "Critical"
}
