package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"
	ErrInvalidAnswer  ErrCode = "INVALID_ANSWER"
	ErrUnknownAction  ErrCode = "UNKNOWN_ACTION"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound        ErrCode = "NOT_FOUND"
	ErrUnknownQuestion ErrCode = "UNKNOWN_QUESTION"

	// ─── Exam session ──────────────────────────────────────────────────
	ErrExamNotYetOpen    ErrCode = "EXAM_NOT_YET_OPEN"
	ErrExamClosed        ErrCode = "EXAM_CLOSED"
	ErrAttemptsExhausted ErrCode = "ATTEMPTS_EXHAUSTED"
	ErrAlreadySubmitted  ErrCode = "ALREADY_SUBMITTED"
	ErrNoActiveSession   ErrCode = "NO_ACTIVE_SESSION"
	ErrSessionFrozen     ErrCode = "SESSION_FROZEN"
	ErrSubmitInProgress  ErrCode = "SUBMIT_IN_PROGRESS"
	ErrSubmissionFailed  ErrCode = "SUBMISSION_FAILED"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrStudentAccessOnly:
		return "Sumber daya ini terbatas untuk siswa."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."
	case ErrInvalidAnswer:
		return "Format jawaban tidak sesuai dengan jenis soal."
	case ErrUnknownAction:
		return "Aksi tidak dikenal."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."
	case ErrUnknownQuestion:
		return "Soal tidak termasuk dalam ujian ini."

	// ─── Exam session ──────────────────────────────────────────────────
	case ErrExamNotYetOpen:
		return "Ujian belum dibuka."
	case ErrExamClosed:
		return "Ujian sudah ditutup."
	case ErrAttemptsExhausted:
		return "Kesempatan mengerjakan ujian ini sudah habis."
	case ErrAlreadySubmitted:
		return "Jawaban ujian ini sedang atau sudah dikumpulkan."
	case ErrNoActiveSession:
		return "Tidak ada sesi ujian yang aktif."
	case ErrSessionFrozen:
		return "Sesi ujian tidak dapat diubah lagi."
	case ErrSubmitInProgress:
		return "Pengumpulan jawaban sedang diproses."
	case ErrSubmissionFailed:
		return "Gagal mengumpulkan jawaban. Jawaban Anda tetap tersimpan, silakan coba lagi."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
