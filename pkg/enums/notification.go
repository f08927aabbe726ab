package enums

import "slices"

// NotificationType maps to the notification_type enum in Postgres.
type NotificationType string

const (
	NotificationTypeBid         NotificationType = "bid"
	NotificationTypeFunding     NotificationType = "funding"
	NotificationTypeMilestone   NotificationType = "milestone"
	NotificationTypePayment     NotificationType = "payment"
	NotificationTypeDispute     NotificationType = "dispute"
	NotificationTypeCertificate NotificationType = "certificate"
	NotificationTypeCommission  NotificationType = "commission"
)

var validNotificationTypes = []NotificationType{
	NotificationTypeBid,
	NotificationTypeFunding,
	NotificationTypeMilestone,
	NotificationTypePayment,
	NotificationTypeDispute,
	NotificationTypeCertificate,
	NotificationTypeCommission,
}

// IsValid checks whether the given type matches the canonical enum.
func (n NotificationType) IsValid() bool {
	return slices.Contains(validNotificationTypes, n)
}

// ParseNotificationType converts raw strings into NotificationType.
func ParseNotificationType(value string) (NotificationType, error) {
	return parse(validNotificationTypes, value, "notification type")
}
