package identity

// PatientInfo is the permanent escrow mapping from a real patient identifier
// to its pseudonymous identifiers. Records are never deleted by the engine.
type PatientInfo struct {
	PID                 int64   `gorm:"column:pid;primaryKey;autoIncrement:false" json:"pid"`
	RID                 string  `gorm:"column:rid;uniqueIndex;not null;size:128" json:"rid"`
	TRID                *int64  `gorm:"column:trid;uniqueIndex" json:"trid,omitempty"`
	MPID                *string `gorm:"column:mpid;size:64" json:"mpid,omitempty"`
	MRID                *string `gorm:"column:mrid;size:128" json:"mrid,omitempty"`
	ScrubberHash        *string `gorm:"column:scrubber_hash;size:128" json:"scrubber_hash,omitempty"`
	PatientScrubberText *string `gorm:"column:raw_scrubber_patient;type:text" json:"-"`
	TPScrubberText      *string `gorm:"column:raw_scrubber_tp;type:text" json:"-"`
}

func (PatientInfo) TableName() string {
	return "secret_map"
}

// TridRecord backs conflict-free allocation of compact integer surrogate
// IDs. Kept separate from secret_map so identity-record schema changes
// cannot risk TRID collisions; the unique constraint is the allocator.
type TridRecord struct {
	PID  int64 `gorm:"column:pid;primaryKey;autoIncrement:false"`
	TRID int64 `gorm:"column:trid;uniqueIndex;not null"`
}

func (TridRecord) TableName() string {
	return "secret_trid_cache"
}

// OptOutPid marks a patient, by PID, whose records must not be processed.
type OptOutPid struct {
	PID int64 `gorm:"column:pid;primaryKey;autoIncrement:false"`
}

func (OptOutPid) TableName() string {
	return "opt_out_pid"
}

// OptOutMpid marks a patient, by master patient ID, whose records must not
// be processed.
type OptOutMpid struct {
	MPID string `gorm:"column:mpid;primaryKey;size:64"`
}

func (OptOutMpid) TableName() string {
	return "opt_out_mpid"
}
