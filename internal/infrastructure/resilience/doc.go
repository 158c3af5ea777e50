/*
Package resilience provides the circuit breakers that guard outbound HTTP
from the isolate's fetch client and the development host.

A Breaker moves between three states:

	Closed --[ReadyToTrip]-> Open --[Timeout]-> Half-Open --[MaxRequests successes]-> Closed
	                                               |
	                                           [failure]
	                                               v
	                                             Open

Calls go through the generic Execute:

	res, err := resilience.Execute(breaker, func() (*http.Response, error) {
		return client.Do(req)
	})

Set keys breakers by upstream host so one failing origin does not trip
requests to the others.
*/
package resilience
