package processor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	// Hard operations run on SIGINT, SIGQUIT and SIGTERM.
	Hard = "hard"
	// Soft operations run on SIGHUP.
	Soft = "soft"
)

type Processor struct {
	ForceShutdownTimeout time.Duration // force shutdown timeout
	softChan             chan os.Signal
	closed               chan struct{}
	closeOnce            sync.Once
	hardOps              map[string]func() error
	softOps              map[string]func() error
	wg                   sync.WaitGroup
	log                  *zap.SugaredLogger
	exit                 func(code int)
}

// New - creates new processor
func New(timeout time.Duration, log *zap.SugaredLogger) *Processor {
	return &Processor{
		ForceShutdownTimeout: timeout,
		softChan:             make(chan os.Signal, 1),
		closed:               make(chan struct{}),
		hardOps:              map[string]func() error{},
		softOps:              map[string]func() error{},
		log:                  log,
		exit:                 os.Exit,
	}
}

// Run assigns signals and starts processing them
func (p *Processor) Run() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	signal.Notify(p.softChan, syscall.SIGHUP)
	ctxSoft, cancel := context.WithCancel(context.Background())
	p.wg.Add(2)
	go p.processSoftSignal(ctxSoft)
	go func() {
		defer stop()
		p.processHardSignal(ctx, cancel)
	}()
}

// processSoftSignal runs Soft operations on every SIGHUP until ctx is done
func (p *Processor) processSoftSignal(ctx context.Context) {
	defer p.wg.Done()
	defer signal.Stop(p.softChan)
	for {
		select {
		case <-ctx.Done():
			p.log.Debugf("soft signal processing stopped")
			return
		case <-p.closed:
			return
		case <-p.softChan:
			p.callProcess(p.softOps, Soft)
		}
	}
}

// processHardSignal runs Hard operations and forces exit when they take
// longer than ForceShutdownTimeout
func (p *Processor) processHardSignal(ctx context.Context, cancel context.CancelFunc) {
	defer p.wg.Done()
	defer cancel() // stops processSoftSignal
	select {
	case <-ctx.Done():
	case <-p.closed:
		return
	}
	tF := time.AfterFunc(p.ForceShutdownTimeout, func() {
		p.log.Warnf("timeout %d ms has been elapsed, force exit", p.ForceShutdownTimeout.Milliseconds())
		p.exit(1)
	})
	defer tF.Stop()
	p.callProcess(p.hardOps, Hard)
}

// callProcess executes every operation registered for process
func (p *Processor) callProcess(oper map[string]func() error, process string) {
	var wg sync.WaitGroup

	for key, op := range oper {
		wg.Add(1)
		go func(name string, call func() error) {
			defer wg.Done()
			if err := call(); err != nil {
				p.log.Warnf("%s %s: failed (%s)", process, name, err.Error())
				return
			}
			p.log.Infof("%s %s: succeeded", process, name)
		}(key, op)
	}
	wg.Wait()
	p.log.Infof("%s sequence completed", process)
}

// Register registers a hard or soft shutdown operation
func (p *Processor) Register(process, operationName string, operationFunction func() error) error {
	switch process {
	case Hard:
		p.hardOps[operationName] = operationFunction
	case Soft:
		p.softOps[operationName] = operationFunction
	default:
		return fmt.Errorf("%s process unknown", process)
	}
	return nil
}

// Close stops signal processing without running any operation. It is used
// once the service has finished on its own.
func (p *Processor) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
}

func (p *Processor) Wait() {
	p.wg.Wait()
}
