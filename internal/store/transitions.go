package store

import "officeq/dispatch-service/internal/models"

// A ticket moves waiting -> served exactly once; finish keeps the served
// status and only stamps end_time. No transition ever moves backwards.
var transitionMap = map[string][]string{
	"serve":  {models.StatusWaiting},
	"finish": {models.StatusServed},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
