package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
	"github.com/ternarybob/opus/internal/handlers"
	"github.com/ternarybob/opus/internal/interfaces"
	"github.com/ternarybob/opus/internal/logs"
	"github.com/ternarybob/opus/internal/services/events"
	"github.com/ternarybob/opus/internal/services/scheduler"
	"github.com/ternarybob/opus/internal/storage"
	badgerstore "github.com/ternarybob/opus/internal/storage/badger"
	"github.com/ternarybob/opus/internal/uws"
)

// App wires the service together: configuration, logging, the job engine,
// persistence and the HTTP handlers. Construction order matters and Close
// releases everything in reverse.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	EventService interfaces.EventService
	LogStorage   interfaces.JobLogStorage
	LogConsumer  *logs.Consumer

	Service   *uws.Service
	Scheduler *scheduler.Service

	ServiceHandler *handlers.ServiceHandler
	ListHandler    *handlers.JobListHandler
	JobHandler     *handlers.JobHandler
	WSHandler      *handlers.WebSocketHandler

	closeOnce sync.Once
}

// New builds and starts the application from its configuration.
func New(config *common.Config) (*App, error) {
	a := &App{
		Config: config,
		Logger: common.InitLogger(config),
	}

	a.EventService = events.NewService(a.Logger)

	if err := a.initLogPipeline(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initEngine(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initScheduler(); err != nil {
		a.Close()
		return nil, err
	}
	a.initHandlers()

	return a, nil
}

// initLogPipeline connects arbor's context channel to the per-job log
// store, so worker logs tagged with a job correlation id become queryable.
func (a *App) initLogPipeline() error {
	a.LogStorage = logs.NewMemoryLogStorage()
	a.LogConsumer = logs.NewConsumer(a.LogStorage, a.EventService, a.Logger, a.Config.Logging.MinEventLevel)
	if err := a.LogConsumer.Start(); err != nil {
		return fmt.Errorf("failed to start log consumer: %w", err)
	}
	a.Logger.SetChannel("context", a.LogConsumer.GetChannel())
	return nil
}

// initEngine builds the UWS service: file storage, the backup manager
// selected by configuration, and one job list per definition.
func (a *App) initEngine() error {
	a.Service = uws.NewService(a.Config.Service.Name, a.Config.Service.Description, a.Logger)

	fileManager, err := storage.NewLocalFileManager(&a.Config.Files, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize file storage: %w", err)
	}
	a.Service.SetFileManager(fileManager)

	backup, err := a.newBackupManager()
	if err != nil {
		return err
	}
	if backup != nil {
		a.Service.SetBackupManager(backup)
	}

	definitions, err := a.Config.LoadJobListDefinitions()
	if err != nil {
		return err
	}
	if len(definitions) == 0 {
		// A service without configured lists still gets one usable default.
		definitions = []common.JobListDefinition{{Name: "jobs"}}
		a.Logger.Warn().Msg("No job list definitions configured; creating default list 'jobs'")
	}

	bridge := events.NewBridge(a.EventService)
	for i := range definitions {
		list, err := uws.NewJobListFromDefinition(&definitions[i], a.Logger)
		if err != nil {
			return fmt.Errorf("failed to build job list %q: %w", definitions[i].Name, err)
		}
		list.SetWorkerFactory(func(job *uws.Job) (uws.JobWorker, error) {
			return uws.SleepWorker{}, nil
		})
		if err := a.Service.AddJobList(list); err != nil {
			return err
		}
		bridge.Attach(list)
	}

	if err := a.Service.Start(); err != nil {
		return fmt.Errorf("failed to start job service: %w", err)
	}
	return nil
}

// newBackupManager builds the persistence layer named by backup.mode.
func (a *App) newBackupManager() (uws.BackupManager, error) {
	switch a.Config.Backup.Mode {
	case "", "none":
		return nil, nil
	case "file":
		backup, err := storage.NewFileBackup(a.Service, &a.Config.Backup, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize file backup: %w", err)
		}
		return backup, nil
	case "badger":
		backup, err := badgerstore.NewJobBackup(a.Service, &a.Config.Backup.Badger, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize badger backup: %w", err)
		}
		return backup, nil
	}
	return nil, fmt.Errorf("unknown backup mode %q", a.Config.Backup.Mode)
}

// initScheduler starts periodic backups when the frequency is a duration,
// and per-owner saves on lifecycle events for the user_action frequency.
func (a *App) initScheduler() error {
	backup := a.Service.BackupManager()
	if backup == nil {
		return nil
	}

	interval, periodic, err := a.Config.Backup.FrequencyInterval()
	if err != nil {
		return err
	}
	if periodic {
		a.Scheduler = scheduler.NewService(backup, a.EventService, a.Logger)
		if err := a.Scheduler.Schedule(interval); err != nil {
			return err
		}
		a.Scheduler.Start()
	}

	if a.Config.Backup.SaveOnUserAction() {
		saveOwner := func(ctx context.Context, event interfaces.Event) error {
			owner, _ := event.Payload["owner"].(string)
			return backup.SaveOwner(owner)
		}
		for _, eventType := range []interfaces.EventType{
			interfaces.EventJobCreated,
			interfaces.EventPhaseChange,
			interfaces.EventJobDestroyed,
			interfaces.EventJobArchived,
		} {
			if err := a.EventService.Subscribe(eventType, saveOwner); err != nil {
				return err
			}
		}
		a.Logger.Info().Msg("Backups saved on user actions")
	}
	return nil
}

// initHandlers builds the HTTP and WebSocket handlers.
func (a *App) initHandlers() {
	identifier := handlers.NewHeaderUserIdentifier()
	a.ServiceHandler = handlers.NewServiceHandler(a.Service, a.Config, a.LogStorage, a.Logger)
	a.ListHandler = handlers.NewJobListHandler(a.Service, identifier, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.Service, identifier, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.Logger, &a.Config.WebSocket)
}

// Close stops everything in reverse construction order. The engine stop
// writes the final backup before the backup store closes.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.Scheduler != nil {
			a.Scheduler.Stop()
		}
		if a.Service != nil {
			a.Service.Stop()
		}
		if a.LogConsumer != nil {
			a.LogConsumer.Stop()
		}
		if a.EventService != nil {
			if err := a.EventService.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("Event service close failed")
			}
		}
		a.Logger.Info().Msg("Application closed")
	})
}
