package env

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
)

const (
	gravity        = 9.81
	massCart       = 1.0
	massPole       = 0.1
	length         = 0.5
	totalMass      = massCart + massPole
	poleMassLength = massPole * length
	forceMax       = 10.0
	tau            = 0.02

	xThreshold     = 2.4
	thetaThreshold = 12.0 * math.Pi / 180.0
	maxSteps       = 500
)

type PoleState struct {
	X        float64 `json:"x"`
	XDot     float64 `json:"x_dot"`
	Theta    float64 `json:"theta"`
	ThetaDot float64 `json:"theta_dot"`
}

func (s PoleState) obs() []float64 {
	return []float64{s.X, s.XDot, s.Theta, s.ThetaDot}
}

type pole struct {
	State    PoleState `json:"state"`
	Steps    int       `json:"steps"`
	Return   float64   `json:"return"`
	Episodes int64     `json:"episodes"`
}

// CartPole is a vector of independent cart-pole balancers. Initial states are
// drawn from a generator seeded by (seed, env index, episode count) so a
// restored snapshot replays the same resets.
type CartPole struct {
	seed  int64
	poles []pole
}

func NewCartPole(numEnvs int, seed int64) *CartPole {
	c := &CartPole{seed: seed, poles: make([]pole, numEnvs)}
	c.Reset()
	return c
}

func (c *CartPole) NumEnvs() int    { return len(c.poles) }
func (c *CartPole) NumActions() int { return 2 }
func (c *CartPole) ObsDim() int     { return 4 }

func (c *CartPole) Reset() [][]float64 {
	obs := make([][]float64, len(c.poles))
	for i := range c.poles {
		c.resetPole(i)
		obs[i] = c.poles[i].State.obs()
	}
	return obs
}

func (c *CartPole) resetPole(i int) {
	p := &c.poles[i]
	p.Episodes++
	rng := rand.New(rand.NewSource(c.seed ^ (int64(i+1) << 32) ^ p.Episodes))
	p.State = PoleState{
		X:        rng.Float64()*0.1 - 0.05,
		XDot:     rng.Float64()*0.1 - 0.05,
		Theta:    rng.Float64()*0.1 - 0.05,
		ThetaDot: rng.Float64()*0.1 - 0.05,
	}
	p.Steps = 0
	p.Return = 0
}

func (c *CartPole) Step(actions []int) ([][]float64, []float64, []bool, []EpisodeInfo) {
	obs := make([][]float64, len(c.poles))
	rewards := make([]float64, len(c.poles))
	dones := make([]bool, len(c.poles))
	var infos []EpisodeInfo

	for i := range c.poles {
		rewards[i], dones[i] = c.poles[i].advance(actions[i])
		if dones[i] {
			infos = append(infos, EpisodeInfo{Reward: c.poles[i].Return, Length: c.poles[i].Steps})
			c.resetPole(i)
		}
		obs[i] = c.poles[i].State.obs()
	}
	return obs, rewards, dones, infos
}

func (p *pole) advance(action int) (float64, bool) {
	force := forceMax
	if action == 0 {
		force = -forceMax
	}

	s := p.State
	cosTheta := math.Cos(s.Theta)
	sinTheta := math.Sin(s.Theta)

	temp := (force + poleMassLength*s.ThetaDot*s.ThetaDot*sinTheta) / totalMass
	thetaAcc := (gravity*sinTheta - cosTheta*temp) / (length * (4.0/3.0 - massPole*cosTheta*cosTheta/totalMass))
	xAcc := temp - poleMassLength*thetaAcc*cosTheta/totalMass

	p.State = PoleState{
		X:        s.X + tau*s.XDot,
		XDot:     s.XDot + tau*xAcc,
		Theta:    s.Theta + tau*s.ThetaDot,
		ThetaDot: s.ThetaDot + tau*thetaAcc,
	}
	p.Steps++

	x, theta := p.State.X, p.State.Theta
	done := x < -xThreshold || x > xThreshold || theta < -thetaThreshold || theta > thetaThreshold || p.Steps >= maxSteps
	reward := 1.0
	if done && p.Steps < maxSteps {
		reward = 0.0
	}
	p.Return += reward
	return reward, done
}

func (c *CartPole) State() ([]byte, error) {
	return json.Marshal(c.poles)
}

func (c *CartPole) SetState(state []byte) error {
	var poles []pole
	if err := json.Unmarshal(state, &poles); err != nil {
		return fmt.Errorf("%w: %v", ErrBadState, err)
	}
	if len(poles) != len(c.poles) {
		return fmt.Errorf("%w: %d envs, want %d", ErrBadState, len(poles), len(c.poles))
	}
	c.poles = poles
	return nil
}
