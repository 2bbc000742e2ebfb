package sham

import (
	"github.com/cdfmlr/sham-lwp/internal/idgen"
	"github.com/cdfmlr/sham-lwp/internal/tracing"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// 独占调度锁：持有者是唯一会被派发的进程，直到它解锁，或者 boost / exit /
// 它不再可跑时被强制解锁。口令是启动时发下的一个 token，内核里只存它的 bcrypt hash。

// issueLockToken 生成（或采用配置的）口令，返回口令和它的 hash
func issueLockToken(secret string) (string, []byte, error) {
	if secret == "" {
		secret = idgen.New()
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		return "", nil, err
	}
	return secret, hash, nil
}

func (os *OS) checkSecret(secret string) bool {
	return bcrypt.CompareHashAndPassword(os.lockHash, []byte(secret)) == nil
}

// LockToken 返回 schedulerLock 的口令。只有启动机器的人拿得到，由它决定交给哪些程序。
func (os *OS) LockToken() string {
	return os.lockToken
}

// schedulerLock 让当前进程独占调度。口令错误或者别人已经持有锁时，当前进程被标记为 killed。
func (os *OS) schedulerLock(c *Contextual, secret string) {
	_, span := tracing.StartSpan(c.ctx, "sched.lock")
	defer tracing.EndSpan(span, nil)

	p := c.proc
	ok := os.checkSecret(secret)

	os.ptable.acquire(c.cpu())
	defer os.ptable.release(c.cpu())

	logger := log.WithFields(log.Fields{
		"pid":     p.Pid,
		"level":   p.level,
		"quantum": p.quantum,
	})
	switch {
	case !ok:
		logger.Error("[LOCK] schedulerLock: wrong password, kill the process")
		p.killed.Store(true)
		return
	case os.mlfq.holder != 0 && os.mlfq.holder != p.Pid:
		logger.WithField("holder", os.mlfq.holder).Error("[LOCK] schedulerLock: locked by another process, kill the process")
		p.killed.Store(true)
		return
	case os.mlfq.holder == p.Pid:
		logger.Warn("[LOCK] schedulerLock: already holding the lock")
	}
	os.mlfq.holder = p.Pid
	os.mlfq.ticks = 0
	logger.Info("[LOCK] scheduler locked")
}

// schedulerUnlock 解除当前进程持有的独占锁，进程回到 0 层队头，priority、quantum 复位。
func (os *OS) schedulerUnlock(c *Contextual, secret string) {
	_, span := tracing.StartSpan(c.ctx, "sched.unlock")
	defer tracing.EndSpan(span, nil)

	p := c.proc
	ok := os.checkSecret(secret)

	os.ptable.acquire(c.cpu())
	defer os.ptable.release(c.cpu())

	logger := log.WithFields(log.Fields{"pid": p.Pid, "holder": os.mlfq.holder})
	switch {
	case !ok:
		logger.Error("[LOCK] schedulerUnlock: wrong password, kill the process")
		p.killed.Store(true)
	case os.mlfq.holder == 0:
		logger.Warn("[LOCK] schedulerUnlock: not locked")
	case os.mlfq.holder != p.Pid:
		logger.Warn("[LOCK] schedulerUnlock: cannot unlock on behalf of another process")
	default:
		os.unlockLocked(c.cpu(), p)
		logger.Info("[LOCK] scheduler unlocked")
	}
}

// unlockLocked 清掉持有者，p 回到 0 层队头。c 持锁调用。
func (os *OS) unlockLocked(c *CPU, p *Process) {
	os.mlfq.holder = 0
	if p == nil || p.State == StatusUnused {
		return
	}
	p.priority = MaxPriority
	p.quantum = 0
	os.ptable.move(c, p, 0, true)
}

// forceUnlock 是非正常的解锁路径：boost、exit、持有者不可跑。持锁调用。
func (os *OS) forceUnlock(c *CPU, p *Process) {
	log.WithField("holder", os.mlfq.holder).Debug("[LOCK] force unlock")
	os.unlockLocked(c, p)
}
