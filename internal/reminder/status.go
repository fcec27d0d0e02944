package reminder

import (
	"sort"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// ID suffix prefixes identifying the record that decided a derived status.
const (
	suffixConfirmation = "c-"
	suffixLog          = "l-"
	suffixSchedule     = "s"
)

// DeriveStatus computes the canonical status of r from its delivery logs and confirmations.
//
// Inputs may be passed in any order; copies are sorted newest first with ties broken by id.
// Precedence: a confirmation linked to the latest log (or to another log of the same gateway
// message), then a confirmation tied only to the patient (at or after the latest log, or at or
// after the start date when no log exists), then a DELIVERED latest log, then the schedule itself.
func DeriveStatus(r models.Reminder, logs []models.DeliveryLog, confirmations []models.ManualConfirmation) models.DerivedStatus {
	sortedLogs := append([]models.DeliveryLog(nil), logs...)
	sort.SliceStable(sortedLogs, func(i, j int) bool {
		a, b := sortedLogs[i], sortedLogs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	sortedConfs := append([]models.ManualConfirmation(nil), confirmations...)
	sort.SliceStable(sortedConfs, func(i, j int) bool {
		a, b := sortedConfs[i], sortedConfs[j]
		if !a.ConfirmedAt.Equal(b.ConfirmedAt) {
			return a.ConfirmedAt.After(b.ConfirmedAt)
		}
		return a.ID > b.ID
	})

	var latest *models.DeliveryLog
	for i := range sortedLogs {
		if sortedLogs[i].ReminderID == "" || sortedLogs[i].ReminderID == r.ID {
			latest = &sortedLogs[i]
			break
		}
	}

	if latest != nil {
		// Logs of the same gateway message describe one delivery, so a receipt that lands
		// after the reply does not detach the reply from it.
		sameMessage := map[string]bool{latest.ID: true}
		if latest.GatewayMessageID != "" {
			for _, l := range sortedLogs {
				if l.GatewayMessageID == latest.GatewayMessageID {
					sameMessage[l.ID] = true
				}
			}
		}
		for _, c := range sortedConfs {
			if c.DeliveryLogID != "" && sameMessage[c.DeliveryLogID] {
				return confirmed(r, c, models.SourceLogConfirmation)
			}
		}
	}

	for _, c := range sortedConfs {
		if c.DeliveryLogID != "" || (c.ReminderID != "" && c.ReminderID != r.ID) {
			continue
		}
		if r.PatientID != "" && c.PatientID != r.PatientID {
			continue
		}
		if latest != nil && c.ConfirmedAt.Before(latest.CreatedAt) {
			continue
		}
		// Without a log, a confirmation not naming this reminder must fall in its active range.
		if latest == nil && c.ReminderID == "" && c.ConfirmedAt.Before(r.StartDate) {
			continue
		}
		return confirmed(r, c, models.SourcePatientConfirmation)
	}

	if latest != nil && latest.Action == models.DeliveryActionDelivered {
		return models.DerivedStatus{
			ReminderID: r.ID,
			Status:     models.DerivedPending,
			AsOf:       latest.CreatedAt,
			IDSuffix:   suffixLog + latest.ID,
			Source:     models.SourceDeliveryLog,
		}
	}

	return models.DerivedStatus{
		ReminderID: r.ID,
		Status:     models.DerivedScheduled,
		AsOf:       r.StartDate,
		IDSuffix:   suffixSchedule,
		Source:     models.SourceSchedule,
	}
}

func confirmed(r models.Reminder, c models.ManualConfirmation, source models.DerivedStatusSource) models.DerivedStatus {
	status := models.DerivedCompletedNotTaken
	if c.Taken {
		status = models.DerivedCompletedTaken
	}
	return models.DerivedStatus{
		ReminderID: r.ID,
		Status:     status,
		AsOf:       c.ConfirmedAt,
		IDSuffix:   suffixConfirmation + c.ID,
		Source:     source,
	}
}
