package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	ErrInvalidCredentials ErrCode = "INVALID_CREDENTIALS"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden           ErrCode = "FORBIDDEN"
	ErrCandidateAccessOnly ErrCode = "CANDIDATE_ACCESS_ONLY"
	ErrProctorAccessOnly   ErrCode = "PROCTOR_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"
	ErrConflict ErrCode = "CONFLICT"

	// ─── Attempt-specific ──────────────────────────────────────────────
	ErrTestNotAvailable      ErrCode = "TEST_NOT_AVAILABLE"
	ErrNoQuestions           ErrCode = "NO_QUESTIONS"
	ErrAttemptNotFound       ErrCode = "ATTEMPT_NOT_FOUND"
	ErrAttemptClosed         ErrCode = "ATTEMPT_CLOSED"
	ErrSectionSubmitted      ErrCode = "SECTION_ALREADY_SUBMITTED"
	ErrSectionNotActive      ErrCode = "SECTION_NOT_ACTIVE"
	ErrQuestionNotInAttempt  ErrCode = "QUESTION_NOT_IN_ATTEMPT"
	ErrOptionNotInQuestion   ErrCode = "OPTION_NOT_IN_QUESTION"
	ErrDuplicateRequestInUse ErrCode = "DUPLICATE_REQUEST_IN_FLIGHT"

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
	case ErrTokenExpired:
		return "Token autentikasi telah kedaluwarsa."
	case ErrInvalidCredentials:
		return "Email atau kata sandi salah."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "Anda tidak memiliki izin untuk mengakses sumber daya ini."
	case ErrCandidateAccessOnly:
		return "Sumber daya ini terbatas untuk peserta ujian."
	case ErrProctorAccessOnly:
		return "Sumber daya ini terbatas untuk pengawas."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."
	case ErrConflict:
		return "Permintaan bertentangan dengan status saat ini."

	// ─── Attempt-specific ──────────────────────────────────────────────
	case ErrTestNotAvailable:
		return "Ujian tidak tersedia."
	case ErrNoQuestions:
		return "Ujian belum memiliki soal."
	case ErrAttemptNotFound:
		return "Percobaan ujian tidak ditemukan."
	case ErrAttemptClosed:
		return "Percobaan ujian sudah dikumpulkan."
	case ErrSectionSubmitted:
		return "Bagian ini sudah dikumpulkan."
	case ErrSectionNotActive:
		return "Bagian ini belum aktif."
	case ErrQuestionNotInAttempt:
		return "Soal tidak termasuk dalam ujian ini."
	case ErrOptionNotInQuestion:
		return "Pilihan jawaban tidak valid untuk soal ini."
	case ErrDuplicateRequestInUse:
		return "Permintaan yang sama sedang diproses."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan internal. Silakan coba lagi nanti."

	default:
		return "Terjadi kesalahan yang tidak diketahui."
	}
}
