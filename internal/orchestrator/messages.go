package orchestrator

import "github.com/BTreeMap/CarePipe/internal/models"

// Messages holds the patient-facing reply texts.
type Messages struct {
	Verified     string
	Declined     string
	Unsubscribed string
	Taken        string
	Missed       string
	Later        string
	Default      string
	Emergency    string

	// Clarifications are indexed by attempt bucket: 1, 2, then 3 and above.
	VerificationClarifications [3]string
	ReminderClarifications     [3]string
	InquiryClarifications      [3]string
}

// DefaultMessages returns the Indonesian texts used in production.
func DefaultMessages() Messages {
	return Messages{
		Verified:     "Terima kasih. Anda akan menerima pengingat obat melalui WhatsApp ini.",
		Declined:     "Baik, kami tidak akan mengirimkan pengingat. Terima kasih.",
		Unsubscribed: "Anda telah berhenti menerima pengingat. Hubungi relawan jika ingin mengaktifkannya kembali.",
		Taken:        "Terima kasih, sudah kami catat bahwa obat sudah diminum. Semoga lekas membaik.",
		Missed:       "Terima kasih sudah memberi tahu. Mohon minum obatnya bila memungkinkan, atau hubungi relawan jika ada kendala.",
		Later:        "Baik, jangan lupa minum obatnya ya. Balas SUDAH setelah obat diminum.",
		Default:      "Terima kasih, pesan Anda sudah kami terima. Relawan kami akan menindaklanjuti bila diperlukan.",
		Emergency:    "Pesan Anda sudah kami teruskan ke relawan. Jika kondisi memburuk, segera hubungi 119 atau datang ke IGD terdekat.",
		VerificationClarifications: [3]string{
			"Maaf, kami belum memahami jawaban Anda. Apakah Anda bersedia menerima pengingat obat melalui WhatsApp? Balas YA atau TIDAK.",
			"Mohon balas YA jika bersedia menerima pengingat, atau TIDAK jika tidak bersedia.",
			"Cukup balas satu kata: YA atau TIDAK. Relawan kami akan menghubungi Anda bila perlu bantuan.",
		},
		ReminderClarifications: [3]string{
			"Maaf, kami belum memahami jawaban Anda. Apakah obatnya sudah diminum? Balas SUDAH atau BELUM.",
			"Mohon balas SUDAH jika obat sudah diminum, atau BELUM jika belum.",
			"Cukup balas satu kata: SUDAH atau BELUM. Relawan kami siap membantu bila ada kesulitan.",
		},
		InquiryClarifications: [3]string{
			"Maaf, kami belum memahami pesan Anda. Bisa dijelaskan lagi apa yang Anda butuhkan?",
			"Mohon tuliskan pertanyaan Anda dengan singkat, misalnya tentang jadwal obat atau kunjungan.",
			"Relawan kami akan membaca pesan Anda. Balas TOLONG bila butuh bantuan segera.",
		},
	}
}

// Clarification returns the clarification for kind at the given attempt count.
func (m Messages) Clarification(kind models.ContextKind, attempts int) string {
	i := min(max(attempts, 1), 3) - 1
	switch kind {
	case models.ContextVerification:
		return m.VerificationClarifications[i]
	case models.ContextGeneralInquiry:
		return m.InquiryClarifications[i]
	default:
		return m.ReminderClarifications[i]
	}
}
