package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort   string
	ServerHost   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Admin database (identity store)
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis (identity read cache)
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka (audit events)
	KafkaBrokers []string
	KafkaGroupID string

	// Secrets. Three independent phrases so that per-table RIDs, master RIDs
	// and change-detection hashes are never cross-linkable.
	PerTablePIDSecret  string
	MasterPIDSecret    string
	ChangeDetectSecret string
	HashMethod         string

	// TRID allocation
	TRIDMax         int64
	TRIDMaxAttempts int

	// Scrubber construction
	ThirdPartyXrefMaxDepth         int
	ReplacePatientInfoWith         string
	ReplaceThirdPartyInfoWith      string
	MinStringLengthToScrubWith     int
	MinStringLengthForErrors       int
	StringMaxRegexErrors           int
	ScrubStringSuffixes            []string
	CodesAtWordBoundariesOnly      bool
	DatesAtWordBoundariesOnly      bool
	NumbersAtWordBoundariesOnly    bool
	NumbersAtNumericBoundariesOnly bool
	StringsAtWordBoundariesOnly    bool
	SaveScrubberText               bool

	// Scrubber policy
	WhitelistFiles           []string
	DenylistFiles            []string
	ScrubAllUKPostcodes      bool
	ScrubAllNumbersOfNDigits []int

	// Data dictionary
	DataDictionaryPath string
	SourcePolicyPath   string

	// Source databases: names here, DSN per name via SOURCE_DB_<NAME>_DSN.
	SourceDatabases []string

	// Declared storage types for the patient-id columns, cross-checked
	// against the live source schema during rule validation.
	SQLTypePID  string
	SQLTypeMPID string

	// Worker partitioning
	WorkerCount int
	WorkerIndex int
}

func Load() *Config {
	return &Config{
		ServerPort:   getEnv("SERVER_PORT", "8084"),
		ServerHost:   getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:  getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout: getDuration("WRITE_TIMEOUT", 30*time.Second),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "crate"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "crate123"),
		PostgresDB:       getEnv("POSTGRES_DB", "crate_admin"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers: getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "crate-anonymiser"),

		PerTablePIDSecret:  getEnv("PER_TABLE_PID_SECRET", ""),
		MasterPIDSecret:    getEnv("MASTER_PID_SECRET", ""),
		ChangeDetectSecret: getEnv("CHANGE_DETECTION_SECRET", ""),
		HashMethod:         getEnv("HASH_METHOD", "hmac_sha256"),

		TRIDMax:         getInt64Env("TRID_MAX", 1<<30),
		TRIDMaxAttempts: getIntEnv("TRID_MAX_ATTEMPTS", 100),

		ThirdPartyXrefMaxDepth:         getIntEnv("THIRDPARTY_XREF_MAX_DEPTH", 1),
		ReplacePatientInfoWith:         getEnv("REPLACE_PATIENT_INFO_WITH", "[__PPP__]"),
		ReplaceThirdPartyInfoWith:      getEnv("REPLACE_THIRD_PARTY_INFO_WITH", "[__TTT__]"),
		MinStringLengthToScrubWith:     getIntEnv("MIN_STRING_LENGTH_TO_SCRUB_WITH", 3),
		MinStringLengthForErrors:       getIntEnv("MIN_STRING_LENGTH_FOR_ERRORS", 4),
		StringMaxRegexErrors:           getIntEnv("STRING_MAX_REGEX_ERRORS", 0),
		ScrubStringSuffixes:            getStringSliceEnv("SCRUB_STRING_SUFFIXES", []string{"s"}),
		CodesAtWordBoundariesOnly:      getBoolEnv("CODES_AT_WORD_BOUNDARIES_ONLY", true),
		DatesAtWordBoundariesOnly:      getBoolEnv("DATES_AT_WORD_BOUNDARIES_ONLY", true),
		NumbersAtWordBoundariesOnly:    getBoolEnv("NUMBERS_AT_WORD_BOUNDARIES_ONLY", false),
		NumbersAtNumericBoundariesOnly: getBoolEnv("NUMBERS_AT_NUMERIC_BOUNDARIES_ONLY", true),
		StringsAtWordBoundariesOnly:    getBoolEnv("STRINGS_AT_WORD_BOUNDARIES_ONLY", true),
		SaveScrubberText:               getBoolEnv("SAVE_SCRUBBER_TEXT", false),

		WhitelistFiles:           getStringSliceEnv("WHITELIST_FILES", nil),
		DenylistFiles:            getStringSliceEnv("DENYLIST_FILES", nil),
		ScrubAllUKPostcodes:      getBoolEnv("SCRUB_ALL_UK_POSTCODES", true),
		ScrubAllNumbersOfNDigits: getIntSliceEnv("SCRUB_ALL_NUMBERS_OF_N_DIGITS", []int{10}),

		DataDictionaryPath: getEnv("DATA_DICTIONARY_PATH", ""),
		SourcePolicyPath:   getEnv("SOURCE_POLICY_PATH", ""),

		SourceDatabases: getStringSliceEnv("SOURCE_DATABASES", nil),

		SQLTypePID:  getEnv("SQLTYPE_PID", "BIGINT"),
		SQLTypeMPID: getEnv("SQLTYPE_MPID", "BIGINT"),

		WorkerCount: getIntEnv("WORKER_COUNT", 1),
		WorkerIndex: getIntEnv("WORKER_INDEX", 0),
	}
}

// SourceDSN returns the connection string for a named source database.
func (c *Config) SourceDSN(name string) string {
	key := "SOURCE_DB_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_DSN"
	return os.Getenv(key)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getIntSliceEnv(key string, defaultValue []int) []int {
	if value := os.Getenv(key); value != "" {
		var out []int
		for _, p := range strings.Split(value, ",") {
			if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
				out = append(out, n)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
