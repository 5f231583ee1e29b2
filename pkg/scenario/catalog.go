// Package scenario holds the static failure catalog and the weighted selector that
// decides, per request, whether an operation succeeds, degrades or fails.
package scenario

import (
	"slices"
	"strconv"
	"strings"

	"github.com/polisai/polis-incident/pkg/domain"
)

// Failure domains.
const (
	GroupResourceExhaustion     = "resource-exhaustion"
	GroupConnectivity           = "connectivity"
	GroupRateLimit              = "rate-limit"
	GroupPerformanceDegradation = "performance-degradation"
	GroupGeneric                = "generic"
)

// Scenario names referenced outside the catalog.
const (
	ConnectionPoolExhausted = "ConnectionPoolExhaustedException"
	OutOfMemory             = "OutOfMemoryException"
	RateLimitExceeded       = "RateLimitExceededException"
)

// Catalog is an immutable, name-indexed table of scenarios grouped by failure domain.
// It is safe for concurrent reads.
type Catalog struct {
	groups map[string][]domain.ErrorScenario
	byName map[string]domain.ErrorScenario
	order  []string
}

// NewCatalog indexes the given scenarios by their Group field.
func NewCatalog(scenarios []domain.ErrorScenario) *Catalog {
	c := &Catalog{
		groups: make(map[string][]domain.ErrorScenario),
		byName: make(map[string]domain.ErrorScenario, len(scenarios)),
	}
	for _, s := range scenarios {
		s = s.Clone()
		if _, seen := c.groups[s.Group]; !seen {
			c.order = append(c.order, s.Group)
		}
		c.groups[s.Group] = append(c.groups[s.Group], s)
		c.byName[strings.ToLower(s.Name)] = s
	}
	return c
}

// Groups returns the group names in declaration order.
func (c *Catalog) Groups() []string {
	return slices.Clone(c.order)
}

// HasGroup reports whether the catalog defines group.
func (c *Catalog) HasGroup(group string) bool {
	_, ok := c.groups[group]
	return ok
}

// Group returns copies of the scenarios in group.
func (c *Catalog) Group(group string) []domain.ErrorScenario {
	src := c.groups[group]
	out := make([]domain.ErrorScenario, len(src))
	for i, s := range src {
		out[i] = s.Clone()
	}
	return out
}

// Lookup finds a scenario by name, case-insensitively.
func (c *Catalog) Lookup(name string) (domain.ErrorScenario, bool) {
	s, ok := c.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return domain.ErrorScenario{}, false
	}
	return s.Clone(), true
}

// members returns the scenarios of all groups without copying. Callers must not mutate them.
func (c *Catalog) members(groups []string) []domain.ErrorScenario {
	var out []domain.ErrorScenario
	for _, g := range groups {
		out = append(out, c.groups[g]...)
	}
	return out
}

// DefaultCatalog returns the built-in production failure catalog.
func DefaultCatalog() *Catalog {
	return NewCatalog(defaultScenarios())
}

func defaultScenarios() []domain.ErrorScenario {
	return []domain.ErrorScenario{
		{
			Name:    OutOfMemory,
			Group:   GroupResourceExhaustion,
			Message: "Out of memory processing large image batch. Current heap usage: 4.2GB/4GB available.",
			Origin: []domain.Frame{
				{Component: "SeeingAI.ImageProcessing.BatchProcessor.ProcessImageBatch", File: "src/SeeingAI/Services/BatchProcessor.cs", Line: 89, Column: 17},
				{Component: "SeeingAI.ImageProcessing.ImageOptimizer.OptimizeForOCR", File: "src/SeeingAI/Services/ImageOptimizer.cs", Line: 234, Column: 9},
				{Component: "SeeingAI.TextRecognition.OCRProcessor.ProcessImage", File: "src/SeeingAI/Services/OCRProcessor.cs", Line: 147, Column: 13},
				{Component: "SeeingAI.Controllers.TextAnalysisController.AnalyzeShortText", File: "src/SeeingAI/Controllers/TextAnalysisController.cs", Line: 68, Column: 5},
			},
			Properties: map[string]string{
				"issueType":           "Memory Management",
				"sourceFile":          "BatchProcessor.cs",
				"sourceLine":          "89",
				"serverComponent":     "ImageProcessing.BatchProcessor",
				"serverEndpoint":      "/api/v2/text/analyze-batch",
				"httpMethod":          "POST",
				"errorCategory":       "Resource Exhaustion",
				"impactLevel":         "High",
				"heapUsage":           "4.2GB",
				"maxHeapSize":         "4GB",
				"imageCount":          "147",
				"avgImageSize":        "2.8MB",
				"totalBatchSize":      "411MB",
				"processingTimeMs":    "45230",
				"batchRetryCount":     "3",
				"circuitBreakerState": "Open",
			},
		},
		{
			Name:    ConnectionPoolExhausted,
			Group:   GroupConnectivity,
			Message: "Database connection pool exhausted. Active connections: 100/100. Wait timeout exceeded.",
			Origin: []domain.Frame{
				{Component: "Microsoft.EntityFrameworkCore.Storage.RelationalConnection.OpenDbConnection", File: "src/EntityFrameworkCore/Storage/DbConnection.cs", Line: 298, Column: 21},
				{Component: "SeeingAI.Data.Repositories.AnalysisRepository.SaveAnalysisResult", File: "src/SeeingAI/Data/AnalysisRepository.cs", Line: 156, Column: 13},
				{Component: "SeeingAI.Services.AnalysisService.CompleteAnalysis", File: "src/SeeingAI/Services/AnalysisService.cs", Line: 203, Column: 9},
				{Component: "SeeingAI.Controllers.TextAnalysisController.AnalyzeShortText", File: "src/SeeingAI/Controllers/TextAnalysisController.cs", Line: 95, Column: 5},
			},
			Properties: map[string]string{
				"issueType":               "Database Connectivity",
				"sourceFile":              "AnalysisRepository.cs",
				"sourceLine":              "156",
				"serverComponent":         "Data.AnalysisRepository",
				"serverEndpoint":          "/api/v2/text/analyze",
				"httpMethod":              "POST",
				"errorCategory":           "Infrastructure",
				"impactLevel":             "Critical",
				"activeConnections":       "100",
				"maxConnections":          "100",
				"waitTimeoutMs":           "30000",
				"queuedRequests":          "47",
				"avgResponseTime":         "12500ms",
				"connectionLeakSuspected": "true",
				"lastConnectionReset":     "2 hours ago",
			},
		},
		{
			Name:    RateLimitExceeded,
			Group:   GroupRateLimit,
			Message: "Azure Cognitive Services rate limit exceeded. Quota: 20 TPS, Current: 23.4 TPS. Retry after: 45 seconds.",
			Origin: []domain.Frame{
				{Component: "SeeingAI.ExternalServices.CognitiveServicesClient.CallOCRService", File: "src/SeeingAI/ExternalServices/CognitiveServicesClient.cs", Line: 178, Column: 11},
				{Component: "SeeingAI.TextRecognition.OCRProcessor.ExtractTextFromImage", File: "src/SeeingAI/Services/OCRProcessor.cs", Line: 289, Column: 13},
				{Component: "SeeingAI.Services.AnalysisService.ProcessTextAnalysis", File: "src/SeeingAI/Services/AnalysisService.cs", Line: 134, Column: 9},
				{Component: "SeeingAI.Controllers.TextAnalysisController.AnalyzeShortText", File: "src/SeeingAI/Controllers/TextAnalysisController.cs", Line: 52, Column: 5},
			},
			Properties: map[string]string{
				"issueType":               "External Service Limit",
				"sourceFile":              "CognitiveServicesClient.cs",
				"sourceLine":              "178",
				"serverComponent":         "ExternalServices.CognitiveServicesClient",
				"serverEndpoint":          "/api/v2/text/analyze",
				"httpMethod":              "POST",
				"errorCategory":           "Rate Limiting",
				"impactLevel":             "Medium",
				"currentTPS":              "23.4",
				"allowedTPS":              "20",
				"retryAfterSeconds":       "45",
				"quotaResetTime":          "2025-11-05T02:00:00Z",
				"failedRequestsLast5Min":  "127",
				"circuitBreakerTriggered": "true",
				"suggestedFix":            "Implement exponential backoff and request queuing",
			},
		},
		{
			Name:    "CPUSaturationWarning",
			Group:   GroupPerformanceDegradation,
			Message: "Image processing taking longer than expected due to high CPU utilization",
			Properties: map[string]string{
				"issueType":              "Performance Degradation",
				"component":              "ImageProcessor",
				"avgProcessingTime":      "4500ms",
				"expectedProcessingTime": "1200ms",
				"performanceDelta":       "+275%",
				"cpuUtilization":         "89%",
				"memoryPressure":         "Medium",
				"recommendedAction":      "Scale out processing nodes",
			},
		},
		{
			Name:    "IndexFragmentationWarning",
			Group:   GroupPerformanceDegradation,
			Message: "Database query performance degraded - potential index fragmentation detected",
			Properties: map[string]string{
				"issueType":          "Database Performance",
				"component":          "AnalysisRepository",
				"avgQueryTime":       "2800ms",
				"expectedQueryTime":  "150ms",
				"performanceDelta":   "+1767%",
				"indexFragmentation": "78%",
				"tableScans":         "23",
				"recommendedAction":  "Rebuild indexes during maintenance window",
			},
		},
		genericScenario("ImageProcessingError", "Failed to process image: Invalid image format", "ImageDecoder.Decode", "src/SeeingAI/Imaging/ImageDecoder.cs", 64),
		genericScenario("APITimeoutError", "Azure Cognitive Services API request timed out", "CognitiveServicesClient.SendAsync", "src/SeeingAI/ExternalServices/CognitiveServicesClient.cs", 211),
		genericScenario("InsufficientLightError", "Image too dark for analysis", "ExposureAnalyzer.Evaluate", "src/SeeingAI/Imaging/ExposureAnalyzer.cs", 42),
		genericScenario("NetworkError", "Network connection lost during processing", "UploadChannel.ReadChunk", "src/SeeingAI/Transport/UploadChannel.cs", 118),
		genericScenario("ModelError", "AI model for "+domain.FeaturePlaceholder+" is currently unavailable", "ModelRegistry.Resolve", "src/SeeingAI/Models/ModelRegistry.cs", 77),
	}
}

func genericScenario(name, message, component, file string, line int) domain.ErrorScenario {
	return domain.ErrorScenario{
		Name:    name,
		Group:   GroupGeneric,
		Message: message,
		Origin: []domain.Frame{
			{Component: "SeeingAI." + component, File: file, Line: line, Column: 9},
			{Component: "SeeingAI.Services.AnalysisService.Analyze", File: "src/SeeingAI/Services/AnalysisService.cs", Line: 88, Column: 9},
		},
		Properties: map[string]string{
			"errorCategory": "Application",
			"impactLevel":   "Low",
			"sourceFile":    file[strings.LastIndex(file, "/")+1:],
			"sourceLine":    strconv.Itoa(line),
		},
	}
}
