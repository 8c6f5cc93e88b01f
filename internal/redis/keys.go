package redisx

import "fmt"

const ns = "tixbus:v1"

func KeyDepartureAvailability(departureID int64) string {
	return fmt.Sprintf("%s:departure:%d:availability", ns, departureID)
}

func KeyIdempotency(scope, buyerID, key string) string {
	return fmt.Sprintf("%s:idem:%s:%s:%s", ns, scope, buyerID, key)
}

func KeyRateLimit(scope, id string) string {
	return fmt.Sprintf("%s:rl:%s:%s", ns, scope, id)
}

func ChannelDeparturesChanged() string {
	return ns + ":departures:changed"
}
