package pq

import "testing"

func TestQueuePopsByPriority(t *testing.T) {
	q := New(func(a, b int) bool { return a > b })
	for _, v := range []int{3, 9, 1, 7} {
		q.Push(v)
	}
	want := []int{9, 7, 3, 1}
	for i, w := range want {
		got, ok := q.Pop()
		if !ok || got != w {
			t.Fatalf("第 %d 次出队: 预期 %d, 得到 %d", i, w, got)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("空队列不应返回元素")
	}
}

func TestQueueIsFIFOForEqualPriority(t *testing.T) {
	type task struct {
		name     string
		priority int
	}
	q := New(func(a, b task) bool { return a.priority > b.priority })
	q.Push(task{"a", 1})
	q.Push(task{"b", 1})
	q.Push(task{"c", 2})
	q.Push(task{"d", 1})

	got := q.Drain()
	order := ""
	for _, tk := range got {
		order += tk.name
	}
	if order != "cabd" {
		t.Fatalf("预期出队顺序 cabd, 得到 %s", order)
	}
}
