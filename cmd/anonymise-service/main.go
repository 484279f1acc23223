package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/TransfuseSolutions/crate/pkg/anonymise/dd"
	"github.com/TransfuseSolutions/crate/pkg/anonymise/patient"
	"github.com/TransfuseSolutions/crate/pkg/anonymise/scrub"
	"github.com/TransfuseSolutions/crate/pkg/common/config"
	"github.com/TransfuseSolutions/crate/pkg/common/database"
	"github.com/TransfuseSolutions/crate/pkg/common/kafka"
	"github.com/TransfuseSolutions/crate/pkg/common/logger"
	"github.com/TransfuseSolutions/crate/pkg/common/models"
	"github.com/TransfuseSolutions/crate/pkg/hash"
	"github.com/TransfuseSolutions/crate/pkg/identity"
	"github.com/TransfuseSolutions/crate/pkg/source"
	"github.com/gorilla/mux"
)

// Destination field names reserved for the admin columns added to every
// anonymised table.
var prohibitedDestFields = []string{"pid", "rid", "trid", "mpid", "mrid", "src_hash"}

type AnonymiseApp struct {
	cfg      *config.Config
	dict     *dd.DataDictionary
	store    *identity.SQLStore
	builder  *patient.Builder
	sources  *source.DBSet
	producer *kafka.Producer
	consumer *kafka.Consumer
}

func main() {
	logger.Init()
	cfg := config.Load()

	adminDB, err := database.NewAdminDB(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to admin database")
	}
	defer database.Close(adminDB)

	ridHasher, mridHasher, changeHasher := mustHashers(cfg)

	store := identity.NewSQLStore(adminDB, identity.StoreOptions{
		RIDHasher:        ridHasher,
		MRIDHasher:       mridHasher,
		TRIDMax:          cfg.TRIDMax,
		TRIDMaxAttempts:  cfg.TRIDMaxAttempts,
		SaveScrubberText: cfg.SaveScrubberText,
		Cache:            database.NewRedis(cfg),
	})
	if err := store.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate identity tables")
	}

	sources := source.NewDBSet()
	for _, name := range cfg.SourceDatabases {
		db, err := database.NewSourceDB(name, cfg.SourceDSN(name))
		if err != nil {
			logger.Log.WithError(err).WithField("source", name).
				Fatal("failed to connect to source database")
		}
		sources.Add(name, db)
	}

	dict := mustLoadDictionary(cfg, sources)

	whitelist, nonspecific := mustScrubPolicy(cfg, changeHasher)
	builder := patient.NewBuilder(patient.BuilderOptions{
		Dict:         dict,
		Store:        store,
		Reader:       sources,
		MaxDepth:     cfg.ThirdPartyXrefMaxDepth,
		ScrubOptions: scrubOptions(cfg),
		ChangeHasher: changeHasher,
		Whitelist:    whitelist,
		Nonspecific:  nonspecific,
	})

	app := &AnonymiseApp{
		cfg:     cfg,
		dict:    dict,
		store:   store,
		builder: builder,
		sources: sources,
	}
	app.producer = kafka.NewProducer(cfg.KafkaBrokers, "anonymisation-events")
	defer app.producer.Close()

	app.consumer = kafka.NewConsumer(cfg.KafkaBrokers, "patient-rebuild-requests", cfg.KafkaGroupID)
	defer app.consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := app.consumer.Consume(ctx, app.processRebuildEvent); err != nil && ctx.Err() == nil {
			logger.Log.WithError(err).Fatal("consumer error")
		}
	}()

	go app.runFullPass(ctx)

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/v1/patients/{pid}/scrubber", app.handleRebuildScrubber).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/patients/{pid}/optout", app.handleOptOut).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/dd", app.handleDataDictionary).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":   cfg.ServerHost,
			"port":   cfg.ServerPort,
			"worker": cfg.WorkerIndex,
		}).Info("Anonymisation Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Anonymisation Service...")
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Anonymisation Service stopped")
}

func mustHashers(cfg *config.Config) (rid, mrid, change hash.Hasher) {
	method, err := hash.ParseMethod(cfg.HashMethod)
	if err != nil {
		logger.Log.WithError(err).Fatal("invalid hash method")
	}
	rid, err = hash.New(method, cfg.PerTablePIDSecret)
	if err != nil {
		logger.Log.WithError(err).Fatal("per-table PID secret unusable")
	}
	mrid, err = hash.New(method, cfg.MasterPIDSecret)
	if err != nil {
		logger.Log.WithError(err).Fatal("master PID secret unusable")
	}
	change, err = hash.New(method, cfg.ChangeDetectSecret)
	if err != nil {
		logger.Log.WithError(err).Fatal("change-detection secret unusable")
	}
	return rid, mrid, change
}

// mustLoadDictionary reads the rule file, or drafts one from the live schema
// when only a source policy is configured. Validation failures are fatal: a
// bad rule table must stop the run before any patient is processed.
func mustLoadDictionary(cfg *config.Config, sources *source.DBSet) *dd.DataDictionary {
	var policies *dd.PolicyConfig
	var err error
	if cfg.SourcePolicyPath != "" {
		policies, err = dd.LoadPolicies(cfg.SourcePolicyPath)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to load source policies")
		}
	}

	var dict *dd.DataDictionary
	switch {
	case cfg.DataDictionaryPath != "" && fileExists(cfg.DataDictionaryPath):
		dict, err = dd.ReadFile(cfg.DataDictionaryPath)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to read data dictionary")
		}
	case policies != nil:
		dict, err = dd.Draft(context.Background(), sources, policies)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to draft data dictionary")
		}
		if cfg.DataDictionaryPath != "" {
			if err := os.WriteFile(cfg.DataDictionaryPath, []byte(dict.TSV()), 0o600); err != nil {
				logger.Log.WithError(err).Warn("failed to save drafted data dictionary")
			} else {
				logger.Log.WithField("path", cfg.DataDictionaryPath).
					Info("Drafted data dictionary saved for review")
			}
		}
	default:
		logger.Log.Fatal("no data dictionary and no source policy configured")
	}

	err = dict.Validate(context.Background(), dd.ValidateOptions{
		ProhibitedFieldnames: prohibitedDestFields,
		Policies:             policies,
		Introspector:         sources,
		PIDType:              cfg.SQLTypePID,
		MPIDType:             cfg.SQLTypeMPID,
	})
	if err != nil {
		logger.Log.WithError(err).Fatal("data dictionary failed validation")
	}
	logger.Log.WithFields(map[string]interface{}{
		"scrub_src_tables": len(dict.ScrubSourceTablePairs()),
		"int_pk_tables":    len(dict.TablePairsWithIntegerPK()),
		"dest_tables":      len(dict.DestTables()),
	}).Info("Data dictionary ready")
	return dict
}

func mustScrubPolicy(cfg *config.Config, hasher hash.Hasher) (*scrub.WordList, *scrub.NonspecificScrubber) {
	whitelist, err := scrub.NewWordList(scrub.WordListOptions{
		Filenames: cfg.WhitelistFiles,
		Hasher:    hasher,
	})
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load whitelist")
	}

	denylist, err := scrub.NewWordList(scrub.WordListOptions{
		Filenames:            cfg.DenylistFiles,
		ReplacementText:      cfg.ReplaceThirdPartyInfoWith,
		AtWordBoundariesOnly: cfg.StringsAtWordBoundariesOnly,
		Hasher:               hasher,
	})
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load denylist")
	}

	nonspecific := scrub.NewNonspecificScrubber(scrub.NonspecificOptions{
		ReplacementText:             cfg.ReplaceThirdPartyInfoWith,
		Hasher:                      hasher,
		Denylist:                    denylist,
		ScrubAllUKPostcodes:         cfg.ScrubAllUKPostcodes,
		ScrubAllNumbersOfNDigits:    cfg.ScrubAllNumbersOfNDigits,
		CodesAtWordBoundariesOnly:   cfg.CodesAtWordBoundariesOnly,
		NumbersAtWordBoundariesOnly: cfg.NumbersAtWordBoundariesOnly,
	})
	return whitelist, nonspecific
}

func scrubOptions(cfg *config.Config) scrub.Options {
	return scrub.Options{
		ReplacementTextPatient:         cfg.ReplacePatientInfoWith,
		ReplacementTextThirdParty:      cfg.ReplaceThirdPartyInfoWith,
		CodesAtWordBoundariesOnly:      cfg.CodesAtWordBoundariesOnly,
		DatesAtWordBoundariesOnly:      cfg.DatesAtWordBoundariesOnly,
		NumbersAtWordBoundariesOnly:    cfg.NumbersAtWordBoundariesOnly,
		NumbersAtNumericBoundariesOnly: cfg.NumbersAtNumericBoundariesOnly,
		StringsAtWordBoundariesOnly:    cfg.StringsAtWordBoundariesOnly,
		MinStringLengthToScrubWith:     cfg.MinStringLengthToScrubWith,
		MinStringLengthForErrors:       cfg.MinStringLengthForErrors,
		StringMaxRegexErrors:           cfg.StringMaxRegexErrors,
		ScrubStringSuffixes:            cfg.ScrubStringSuffixes,
	}
}

// runFullPass walks every patient in the defining table that belongs to this
// worker and builds their scrubber. Other workers cover the remaining
// partitions of the ID space.
func (a *AnonymiseApp) runFullPass(ctx context.Context) {
	definers := a.dict.PIDDefiningRows()
	if len(definers) == 0 {
		logger.Log.Info("No patient-defining field; nothing to anonymise")
		return
	}
	definer := definers[0]

	pids, err := a.sources.DistinctPIDs(ctx, definer.SrcDB, definer.SrcTable, definer.SrcField)
	if err != nil {
		logger.Log.WithError(err).Error("failed to enumerate patients")
		return
	}
	logger.Log.WithFields(map[string]interface{}{
		"patients": len(pids),
		"worker":   a.cfg.WorkerIndex,
		"workers":  a.cfg.WorkerCount,
	}).Info("Starting anonymisation pass")

	processed := 0
	for _, pid := range pids {
		if ctx.Err() != nil {
			return
		}
		if a.cfg.WorkerCount > 1 && pid%int64(a.cfg.WorkerCount) != int64(a.cfg.WorkerIndex) {
			continue
		}
		if err := a.processPatient(ctx, pid); err != nil {
			logger.Log.WithError(err).Error("patient processing failed")
			continue
		}
		processed++
	}
	logger.Log.WithField("processed", processed).Info("Anonymisation pass complete")
}

func (a *AnonymiseApp) processPatient(ctx context.Context, pid int64) error {
	p, err := a.builder.Build(ctx, pid)
	if err != nil {
		return err
	}

	optedOut, err := a.store.OptingOut(ctx, pid, p.MPID())
	if err != nil {
		return err
	}
	if optedOut {
		logger.Log.WithField("rid", p.RID()).Info("Patient has opted out, skipping")
		return nil
	}

	scrubbed := models.PatientScrubbedEvent{
		RID:       p.RID(),
		Unchanged: p.Unchanged(),
		Worker:    a.cfg.WorkerIndex,
	}
	if p.TRID() != nil {
		scrubbed.TRID = *p.TRID()
	}
	if err := a.producer.PublishEvent(ctx, "patient.scrubbed", "anonymise-service", eventData(scrubbed)); err != nil {
		logger.Log.WithError(err).Error("failed to publish scrubbed event")
	}

	if unfulfilled := p.MandatoryScrubbersUnfulfilled(); len(unfulfilled) > 0 {
		incomplete := models.ScrubIncompleteEvent{
			RID:                   p.RID(),
			UnfulfilledSignatures: unfulfilled,
		}
		if err := a.producer.PublishEvent(ctx, "scrub.incomplete", "anonymise-service", eventData(incomplete)); err != nil {
			logger.Log.WithError(err).Error("failed to publish incomplete event")
		}
	}
	return nil
}

// eventData flattens a typed event payload into the bus envelope's data map.
func eventData(v interface{}) map[string]interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil
	}
	return data
}

// processRebuildEvent handles targeted re-anonymisation requests from the
// bus, e.g. after a source correction for one patient.
func (a *AnonymiseApp) processRebuildEvent(ctx context.Context, event models.Event) error {
	raw, ok := event.Data["pid"]
	if !ok {
		logger.Log.WithField("event", event.ID).Error("rebuild event without pid")
		return nil
	}
	var pid int64
	switch v := raw.(type) {
	case float64:
		pid = int64(v)
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			logger.Log.WithField("event", event.ID).Error("rebuild event with non-integer pid")
			return nil
		}
		pid = n
	default:
		logger.Log.WithField("event", event.ID).Error("rebuild event with unusable pid")
		return nil
	}
	return a.processPatient(ctx, pid)
}

func (a *AnonymiseApp) handleRebuildScrubber(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.ParseInt(mux.Vars(r)["pid"], 10, 64)
	if err != nil {
		http.Error(w, `{"error":"pid must be an integer"}`, http.StatusBadRequest)
		return
	}

	p, err := a.builder.Build(r.Context(), pid)
	if err != nil {
		logger.Log.WithError(err).Error("scrubber rebuild failed")
		http.Error(w, `{"error":"rebuild failed"}`, http.StatusInternalServerError)
		return
	}

	resp := models.RebuildScrubberResponse{
		RID:                   p.RID(),
		Unchanged:             p.Unchanged(),
		UnfulfilledSignatures: p.MandatoryScrubbersUnfulfilled(),
	}
	if p.TRID() != nil {
		resp.TRID = *p.TRID()
	}
	if p.MRID() != nil {
		resp.MRID = *p.MRID()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (a *AnonymiseApp) handleOptOut(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.ParseInt(mux.Vars(r)["pid"], 10, 64)
	if err != nil {
		http.Error(w, `{"error":"pid must be an integer"}`, http.StatusBadRequest)
		return
	}
	if err := a.store.AddOptOut(r.Context(), pid); err != nil {
		logger.Log.WithError(err).Error("opt-out registration failed")
		http.Error(w, `{"error":"opt-out failed"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *AnonymiseApp) handleDataDictionary(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/tab-separated-values")
	w.Write([]byte(a.dict.TSV()))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
