package intent

// Keyword lists are Indonesian first with common English fallbacks.
// Multi-word entries only score on token-aligned matches, never fuzzily.
var keywords = map[Intent][]string{
	Accept: {
		"ya", "iya", "ok", "oke", "setuju", "boleh", "mau", "bersedia", "siap", "yes", "tentu",
	},
	Decline: {
		"tidak", "tolak", "menolak", "no", "tidak mau", "tidak bersedia", "tidak setuju", "jangan",
	},
	ConfirmTaken: {
		"sudah", "sudah minum", "sudah diminum", "sudah saya minum", "selesai", "done", "taken", "beres",
	},
	ConfirmMissed: {
		"belum", "belum minum", "lupa", "terlewat", "kelewatan", "tidak minum", "skip", "missed",
	},
	ConfirmLater: {
		"nanti", "nanti saja", "sebentar", "sebentar lagi", "belum sempat", "tunggu", "later",
	},
	Unsubscribe: {
		"berhenti", "stop", "unsubscribe", "jangan kirim", "jangan kirim lagi", "keluar", "hapus nomor",
	},
	Emergency: {
		"sesak", "sesak nafas", "sesak napas", "tolong", "darurat", "pingsan", "kejang", "muntah darah",
		"tidak sadar", "nyeri hebat", "gawat", "emergency",
	},
	Inquiry: {
		"apa", "bagaimana", "kapan", "kenapa", "mengapa", "berapa", "tanya", "bertanya", "?",
	},
}

var positiveWords = []string{
	"baik", "bagus", "sehat", "senang", "terima kasih", "makasih", "ya", "iya", "sudah", "mantap", "lega", "membaik",
}

// "belum" and "tidak" are deliberately absent: they are answers, not complaints.
var negativeWords = []string{
	"sakit", "nyeri", "sedih", "buruk", "lemas", "mual", "sesak", "takut", "parah", "memburuk", "pusing", "tolong",
}
