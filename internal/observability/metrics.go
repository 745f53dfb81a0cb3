package observability

const (
	MUsecaseRequests         MetricKey = "usecase_requests_total"
	MUsecaseDuration         MetricKey = "usecase_duration_seconds"
	MHTTPRequests            MetricKey = "http_requests_total"
	MHTTPRequestDuration     MetricKey = "http_request_duration_seconds"
	MExternalRequests        MetricKey = "external_requests_total"
	MExternalRequestDuration MetricKey = "external_request_duration_seconds"
	MBreakerCalls            MetricKey = "circuit_breaker_calls_total"
	MBreakerTransitions      MetricKey = "circuit_breaker_transitions_total"
	MLoadBalancerRefresh     MetricKey = "load_balancer_refresh_total"
)
