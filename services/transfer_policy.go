package services

import "waflow/models"

// transferTargets maps each role to the roles it may transfer credits to.
// Lateral transfers within the same tier are never permitted. Debits and
// refunds against one's own balance are not transfers and bypass this
// policy entirely.
var transferTargets = map[string]map[string]bool{
	models.RoleSuperAdmin: {
		models.RoleAdmin:    true,
		models.RoleReseller: true,
		models.RoleUser:     true,
	},
	models.RoleAdmin: {
		models.RoleReseller: true,
		models.RoleUser:     true,
	},
	models.RoleReseller: {
		models.RoleUser: true,
	},
	models.RoleUser: {},
}

// CanTransfer reports whether fromRole may move credits to toRole.
func CanTransfer(fromRole, toRole string) bool {
	targets, ok := transferTargets[fromRole]
	if !ok {
		return false
	}
	return targets[toRole]
}
