// Profiling:
// go build ./profile/entities
// go tool pprof -http=":8000" -nodefraction=0.001 ./entities mem.pprof

package main

import (
	"github.com/pkg/profile"

	"github.com/edwinsyarief/kensaku"
)

type comp1 struct {
	V int64
	W int64
}

type comp2 struct {
	V int64
	W int64
}

func main() {
	count := 50
	iters := 10000
	entities := 1000
	p := profile.Start(profile.MemProfileAllocs, profile.ProfilePath("."), profile.NoShutdownHook)
	run(count, iters, entities)
	p.Stop()
}

func run(rounds, iters, numEntities int) {
	for i := 0; i < rounds; i++ {
		w := kensaku.NewWorld(numEntities)
		c1 := kensaku.Component[comp1](w)
		c2 := kensaku.Component[comp2](w)
		q, err := kensaku.NewQuery(w, kensaku.QueryDesc{Terms: []kensaku.Term{
			{First: kensaku.TermRef{ID: c1}},
			{First: kensaku.TermRef{ID: c2}},
		}})
		if err != nil {
			panic(err)
		}

		for j := 0; j < iters; j++ {
			for i := 0; i < numEntities; i++ {
				e := w.NewEntity()
				kensaku.Set(w, e, comp1{})
				kensaku.Set(w, e, comp2{V: 1, W: 2})
			}
			var entities []kensaku.Entity
			it := q.Iter()
			for it.Next() {
				entities = append(entities, it.Entities()...)
				v1 := kensaku.Field[comp1](it, 0)
				v2 := kensaku.Field[comp2](it, 1)
				for i := range v1 {
					v1[i].V += v2[i].V
					v1[i].W += v2[i].W
				}
			}
			for _, e := range entities {
				w.RemoveEntity(e)
			}
		}
		w.Close()
	}
}
