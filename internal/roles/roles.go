// Package roles is the static role table the office front-ends consult.
// Role management is provisioning work that lives outside this service;
// the table only changes with a deploy.
package roles

var table = map[int64]string{
	1: "customer",
	2: "officer",
	3: "manager",
	4: "admin",
}

const Guest = "guest"

// ForUser returns the role for a user id, Guest for anyone unknown.
func ForUser(userID int64) string {
	if role, ok := table[userID]; ok {
		return role
	}
	return Guest
}

func All() []string {
	return []string{"customer", "officer", "manager", "admin"}
}
